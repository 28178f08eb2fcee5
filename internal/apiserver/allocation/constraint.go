// Package allocation 约束解析
package allocation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"metal-admin/internal/shared/model"
)

// Catalog 约束校验所需的已知名称集合
// 由调用方在解析前从存储层取出，解析本身不访问数据库
type Catalog struct {
	Architectures []string
	Tags          []string
	Zones         []string
	Networks      []string
}

func (c *Catalog) hasArch(arch string) bool { return contains(c.Architectures, arch) }
func (c *Catalog) hasTag(tag string) bool   { return contains(c.Tags, tag) }
func (c *Catalog) hasZone(zone string) bool { return contains(c.Zones, zone) }

func contains(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}

// Constraint 归一化后的分配约束
//
// 数值约束用指针区分「未给出」与「给出 0」。
// pairs 保留给出的约束键值对（固定顺序），用于 NoMatch 消息渲染。
type Constraint struct {
	Name           string
	Arch           string
	CPUCount       *float64
	Mem            *float64
	Tags           []string
	NotTags        []string
	Zone           string
	NotInZone      []string
	ConnectedTo    []string
	NotConnectedTo []string
	Networks       []string
	NotNetworks    []string
	AgentName      string // 原样记录到分配结果上，不参与过滤

	pairs [][2]string
}

// Empty 是否没有任何过滤性约束
func (c *Constraint) Empty() bool {
	return len(c.pairs) == 0
}

// Pairs 返回给出的约束键值对（渲染顺序固定）
func (c *Constraint) Pairs() [][2]string {
	return c.pairs
}

// tagSeparators 标签列表的分隔符：逗号、空白或二者混用
var tagSeparators = regexp.MustCompile(`[\s,]+`)

// SplitList 把列表形参归一化为去空格的名称集合
// 接受多值参数、逗号分隔、空格分隔或混用
func SplitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, item := range tagSeparators.Split(value, -1) {
			if item = strings.TrimSpace(item); item != "" {
				result = append(result, item)
			}
		}
	}
	return result
}

// ParseConstraints 解析 acquire 的约束参数
//
// 未识别的键静默忽略。所有校验错误按字段聚合后一次性返回，
// MAC 形参中的非法值跨字段汇总为单条错误。
func ParseConstraints(params url.Values, catalog *Catalog) (*Constraint, *ValidationError) {
	c := &Constraint{}
	verr := newValidationError()
	var invalidMACs []string

	if name := params.Get("name"); name != "" {
		c.Name = name
		c.addPair("name", name)
	}

	if arch := params.Get("arch"); arch != "" {
		if !catalog.hasArch(arch) {
			verr.Add("arch", fmt.Sprintf("Architecture not recognised: '%s'.", arch))
		} else {
			c.Arch = arch
			c.addPair("arch", arch)
		}
	}

	if raw := params.Get("cpu_count"); raw != "" {
		// 接受小数形式（如 "1.0"），向下取整比较无意义，保留浮点比较
		if value, err := strconv.ParseFloat(raw, 64); err != nil {
			verr.Add("cpu_count", "Invalid cpu_count: number required.")
		} else {
			c.CPUCount = &value
			c.addPair("cpu_count", raw)
		}
	}

	if raw := params.Get("mem"); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err != nil {
			verr.Add("mem", "Invalid mem: number required.")
		} else {
			c.Mem = &value
			c.addPair("mem", raw)
		}
	}

	if values, ok := params["tags"]; ok {
		tags := SplitList(values)
		if unknown := unknownNames(tags, catalog.hasTag); len(unknown) > 0 {
			verr.Add("tags", fmt.Sprintf("No such tag(s): %s.", quoteJoin(unknown)))
		} else if len(tags) > 0 {
			c.Tags = tags
			c.addPair("tags", strings.Join(tags, ","))
		}
	}

	if values, ok := params["not_tags"]; ok {
		tags := SplitList(values)
		if unknown := unknownNames(tags, catalog.hasTag); len(unknown) > 0 {
			verr.Add("not_tags", fmt.Sprintf("No such tag(s): %s.", quoteJoin(unknown)))
		} else if len(tags) > 0 {
			c.NotTags = tags
			c.addPair("not_tags", strings.Join(tags, ","))
		}
	}

	if zone := params.Get("zone"); zone != "" {
		if !catalog.hasZone(zone) {
			verr.Add("zone", fmt.Sprintf("No such zone: '%s'.", zone))
		} else {
			c.Zone = zone
			c.addPair("zone", zone)
		}
	}

	if values, ok := params["not_in_zone"]; ok {
		zones := SplitList(values)
		if len(zones) > 0 {
			c.NotInZone = zones
			c.addPair("not_in_zone", strings.Join(zones, ","))
		}
	}

	if values, ok := params["connected_to"]; ok {
		macs := normalizeMACs(SplitList(values), &invalidMACs)
		if len(macs) > 0 {
			c.ConnectedTo = macs
			c.addPair("connected_to", strings.Join(macs, ","))
		}
	}

	if values, ok := params["not_connected_to"]; ok {
		macs := normalizeMACs(SplitList(values), &invalidMACs)
		if len(macs) > 0 {
			c.NotConnectedTo = macs
			c.addPair("not_connected_to", strings.Join(macs, ","))
		}
	}

	if values, ok := params["networks"]; ok {
		networks := SplitList(values)
		if len(networks) > 0 {
			c.Networks = networks
			c.addPair("networks", strings.Join(networks, ","))
		}
	}

	if values, ok := params["not_networks"]; ok {
		networks := SplitList(values)
		if len(networks) > 0 {
			c.NotNetworks = networks
			c.addPair("not_networks", strings.Join(networks, ","))
		}
	}

	if agentName := params.Get("agent_name"); agentName != "" {
		c.AgentName = agentName
	}

	// MAC 形参的非法值跨字段汇总为单条错误
	if len(invalidMACs) > 0 {
		verr.Add("connected_to", InvalidMACMessage(invalidMACs))
	}

	if !verr.Empty() {
		return nil, verr
	}
	return c, nil
}

// InvalidMACMessage 渲染非法 MAC 的聚合错误消息
func InvalidMACMessage(invalid []string) string {
	return "Invalid MAC address(es): " + strings.Join(invalid, ", ")
}

// normalizeMACs 归一化 MAC 列表，非法值收集到 invalid
func normalizeMACs(raw []string, invalid *[]string) []string {
	var macs []string
	for _, value := range raw {
		mac, ok := model.NormalizeMAC(value)
		if !ok {
			*invalid = append(*invalid, value)
			continue
		}
		macs = append(macs, mac)
	}
	return macs
}

// unknownNames 返回不在已知集合中的名称，保持输入顺序、去重
func unknownNames(names []string, known func(string) bool) []string {
	var unknown []string
	seen := map[string]bool{}
	for _, name := range names {
		if !known(name) && !seen[name] {
			unknown = append(unknown, name)
			seen[name] = true
		}
	}
	return unknown
}

// quoteJoin 渲染 'a', 'b' 形式的名称列表
func quoteJoin(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = "'" + name + "'"
	}
	return strings.Join(quoted, ", ")
}

func (c *Constraint) addPair(key, value string) {
	c.pairs = append(c.pairs, [2]string{key, value})
}
