package natsx

import (
	"fmt"
	"strconv"
	"strings"
)

// SubjectPrefix 网关所有 subject 的根
const SubjectPrefix = "gw"

// TopicToSubject room:<id> -> gw.room.<id>；id 中 subject 不允许的字符转义为 %XX
func TopicToSubject(topic string) (string, error) {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || kind == "" || id == "" {
		return "", fmt.Errorf("bad topic %q", topic)
	}
	return SubjectPrefix + "." + escapeToken(kind) + "." + escapeToken(id), nil
}

// SubjectToTopic TopicToSubject 的逆运算
func SubjectToTopic(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != SubjectPrefix {
		return "", fmt.Errorf("bad subject %q", subject)
	}
	kind, err := unescapeToken(parts[1])
	if err != nil {
		return "", err
	}
	id, err := unescapeToken(parts[2])
	if err != nil {
		return "", err
	}
	return kind + ":" + id, nil
}

func safeByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '-' || b == '_'
}

func escapeToken(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		if safeByte(b) {
			sb.WriteByte(b)
			continue
		}
		fmt.Fprintf(&sb, "%%%02X", b)
	}
	return sb.String()
}

func unescapeToken(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			sb.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("bad escape in %q", s)
		}
		v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape in %q: %w", s, err)
		}
		sb.WriteByte(byte(v))
		i += 2
	}
	return sb.String(), nil
}
