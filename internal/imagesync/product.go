// Package imagesync 启动镜像同步
//
// 将上游产品目录与本地 BootResource 记录对账：
//   - 内容按校验和寻址去重（LargeFile 跨文件共享）
//   - 每个资源只保留最新的一个完整版本集合
//   - 目录中消失的资源在同步尾声被回收
//
// 一次同步全程持有 Redis 互斥锁，锁被占用时快速失败。
package imagesync

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Product 上游目录中的一个产品描述
//
// 每个产品对应一个文件：(os/release, arch/subarch) 定位资源，
// Version 定位版本集合，Filetype 定位集合内的文件。
type Product struct {
	OS       string `json:"os"`
	Release  string `json:"release"`
	Arch     string `json:"arch"`
	Subarch  string `json:"subarch"`
	Version  string `json:"version"`
	Label    string `json:"label"`
	Filename string `json:"ftype_filename"`
	Filetype string `json:"ftype"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Path     string `json:"path"` // 内容下载路径，相对目录地址

	// 资源级元数据，原样记录到 BootResource.Extra
	KFlavor   string `json:"kflavor,omitempty"`
	Subarches string `json:"subarches,omitempty"`

	// 文件级元数据，原样记录到 BootResourceFile.Extra
	KPackage  string `json:"kpackage,omitempty"`
	DIVersion string `json:"di_version,omitempty"`
}

// Name 资源名："os/release"
func (p *Product) Name() string {
	return p.OS + "/" + p.Release
}

// Architecture 资源架构："arch/subarch"
func (p *Product) Architecture() string {
	return p.Arch + "/" + p.Subarch
}

// LogName 日志标识："os/arch/subarch/release"
func (p *Product) LogName() string {
	return p.OS + "/" + p.Arch + "/" + p.Subarch + "/" + p.Release
}

// ResourceExtra 资源级元数据 JSON
func (p *Product) ResourceExtra() json.RawMessage {
	extra := map[string]string{}
	if p.KFlavor != "" {
		extra["kflavor"] = p.KFlavor
	}
	if p.Subarches != "" {
		extra["subarches"] = p.Subarches
	}
	data, _ := json.Marshal(extra)
	return data
}

// FileExtra 文件级元数据 JSON
func (p *Product) FileExtra() json.RawMessage {
	extra := map[string]string{}
	if p.KPackage != "" {
		extra["kpackage"] = p.KPackage
	}
	if p.DIVersion != "" {
		extra["di_version"] = p.DIVersion
	}
	data, _ := json.Marshal(extra)
	return data
}

// ContentSource 延迟打开的内容来源
//
// Insert 只在确认需要下载时才调用它，命中去重的产品不发起请求。
type ContentSource func() (io.ReadCloser, error)

// FetchCatalog 拉取目录地址下的产品清单（JSON 数组）
func FetchCatalog(client *http.Client, catalogURL string) ([]*Product, error) {
	resp, err := client.Get(catalogURL)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", catalogURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog %s: unexpected status %d", catalogURL, resp.StatusCode)
	}

	var products []*Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", catalogURL, err)
	}
	return products, nil
}

// ContentURL 解析产品内容的绝对地址（Path 相对目录地址）
func ContentURL(catalogURL, path string) (string, error) {
	base, err := url.Parse(catalogURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// HTTPContentSource 按需从上游下载产品内容
func HTTPContentSource(client *http.Client, contentURL string) ContentSource {
	return func() (io.ReadCloser, error) {
		resp, err := client.Get(contentURL)
		if err != nil {
			return nil, fmt.Errorf("fetch content %s: %w", contentURL, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetch content %s: unexpected status %d", contentURL, resp.StatusCode)
		}
		return resp.Body, nil
	}
}
