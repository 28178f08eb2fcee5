// Package model MAC 地址归一化
package model

import "strings"

// NormalizeMAC 归一化 MAC 地址
//
// 接受 aa:bb:cc:dd:ee:ff、AA-BB-CC-DD-EE-FF、aabbccddeeff 等写法，
// 统一为小写冒号分隔形式。非法输入返回 ok=false。
func NormalizeMAC(raw string) (string, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'f':
			return r
		case r >= 'A' && r <= 'F':
			return r + ('a' - 'A')
		case r == ':' || r == '-' || r == '.':
			return -1
		default:
			return 'x' // 标记非法字符
		}
	}, raw)

	if len(cleaned) != 12 || strings.ContainsRune(cleaned, 'x') {
		return "", false
	}

	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(cleaned[i : i+2])
	}
	return b.String(), true
}
