package analyzer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatLatency 将微秒延迟转换为人类可读的字符串。
// 注意：已导出 (首字母大写)。
func FormatLatency(us int64) string {
	d := time.Duration(us) * time.Microsecond
	abs := d
	if abs < 0 {
		abs = -abs
	}
	if abs >= time.Second {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if abs >= time.Millisecond {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%dus", us)
}

// FormatHex 以 0x 前缀输出，与 Python 的 hex() 一致。
func FormatHex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// formatRawAddress 保证原始地址 token 带有 0x 前缀。
func formatRawAddress(raw string) string {
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return raw
	}
	return "0x" + raw
}

// formatLatencyList 输出 "[40, 12, 7]"。
func formatLatencyList(lats []int64) string {
	parts := make([]string, len(lats))
	for i, v := range lats {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
