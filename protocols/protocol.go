package protocols

import (
	"fmt"
	"strconv"
	"strings"
)

// Unit 签名模式中的一个位置，0-255 为字面字节，Wildcard 匹配任意字节
type Unit uint16

// Wildcard 通配符，取值紧邻字节范围之外
const Wildcard Unit = 0x100

// MaxPatternLen 签名模式的最大长度
const MaxPatternLen = 32

// Byte 返回 b 对应的字面单元
func Byte(b byte) Unit { return Unit(b) }

// IsWildcard 判断是否为通配符
func (u Unit) IsWildcard() bool { return u == Wildcard }

// Valid 判断是否为字面字节或通配符
func (u Unit) Valid() bool { return u <= Wildcard }

func (u Unit) String() string {
	if u == Wildcard {
		return "??"
	}
	if !u.Valid() {
		return "!" + strconv.Itoa(int(u))
	}
	return fmt.Sprintf("%02x", uint16(u))
}

// Pattern 从偏移 0 开始匹配的单元序列
type Pattern []Unit

// Literal 用字面字节构造模式
func Literal(bs ...byte) Pattern {
	p := make(Pattern, len(bs))
	for i, b := range bs {
		p[i] = Unit(b)
	}
	return p
}

// Text 用字符串的字节构造模式
func Text(s string) Pattern { return Literal([]byte(s)...) }

// Concat 按顺序拼接模式
func Concat(parts ...Pattern) Pattern {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make(Pattern, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// String 以 ParsePattern 可解析的格式输出模式
func (p Pattern) String() string {
	parts := make([]string, len(p))
	for i, u := range p {
		parts[i] = u.String()
	}
	return strings.Join(parts, " ")
}

// ParsePattern 解析以空格、逗号或冒号分隔的十六进制字节，
// "??"、"*"、"xx" 和 "XX" 表示通配位置
func ParsePattern(s string) (Pattern, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == ':' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidSignature)
	}
	p := make(Pattern, 0, len(fields))
	for _, f := range fields {
		switch f {
		case "??", "*", "xx", "XX":
			p = append(p, Wildcard)
			continue
		}
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: bad unit %q", ErrInvalidSignature, f)
		}
		p = append(p, Unit(v))
	}
	return p, nil
}

// Direction 流方向
type Direction uint8

const (
	DirectionUnknown Direction = iota
	DirectionClient
	DirectionServer
)

func (d Direction) String() string {
	switch d {
	case DirectionClient:
		return "client"
	case DirectionServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseDirection 解析 Direction.String 的输出，空字符串为 DirectionUnknown
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return DirectionUnknown, nil
	case "client":
		return DirectionClient, nil
	case "server":
		return DirectionServer, nil
	}
	return DirectionUnknown, fmt.Errorf("unknown direction %q", s)
}

// Inference 终止节点给出的推断结果
type Inference struct {
	Direction   Direction
	Application uint16 // 0 表示未设置
}

// IsSet 判断是否带有应用 ID
func (i Inference) IsSet() bool { return i.Application != 0 }

func (i Inference) String() string {
	return fmt.Sprintf("%s/%s", ApplicationName(i.Application), i.Direction)
}

// Signature 是协议签名的实现。
type Signature struct {
	Name      string    // 用于审计的协议名称
	Pattern   Pattern   // 从偏移 0 开始匹配的字节模式
	Inference Inference // 匹配成功时的推断结果
}

// Validate 按签名表的限制检查签名
func (s Signature) Validate() error {
	if len(s.Pattern) > MaxPatternLen {
		return fmt.Errorf("%w: %q has %d units, max %d", ErrPatternTooLong, s.Name, len(s.Pattern), MaxPatternLen)
	}
	if len(s.Pattern) == 0 {
		return fmt.Errorf("%w: %q has an empty pattern", ErrInvalidSignature, s.Name)
	}
	for i, u := range s.Pattern {
		if !u.Valid() {
			return fmt.Errorf("%w: %q unit %d out of range (%d)", ErrInvalidSignature, s.Name, i, uint16(u))
		}
	}
	if !s.Inference.IsSet() {
		return fmt.Errorf("%w: %q has no application id", ErrInvalidSignature, s.Name)
	}
	return nil
}

// 常用应用 ID，取协议的 IANA 端口号
const (
	AppSSH   uint16 = 22
	AppHTTP  uint16 = 80
	AppTLS   uint16 = 443
	AppRTSP  uint16 = 554
	AppSOCKS uint16 = 1080
	AppMQTT  uint16 = 1883
	AppRDP   uint16 = 3389
	AppSTUN  uint16 = 3478
	AppRedis uint16 = 6379
)

var applicationNames = map[uint16]string{
	AppSSH:   "SSH",
	AppHTTP:  "HTTP",
	AppTLS:   "TLS",
	AppRTSP:  "RTSP",
	AppSOCKS: "SOCKS",
	AppMQTT:  "MQTT",
	AppRDP:   "RDP",
	AppSTUN:  "STUN",
	AppRedis: "Redis",
}

// ApplicationName 返回应用 ID 的显示名称，未知 ID 为 "app-<id>"，0 为 "unknown"
func ApplicationName(id uint16) string {
	if id == 0 {
		return "unknown"
	}
	if name, ok := applicationNames[id]; ok {
		return name
	}
	return "app-" + strconv.Itoa(int(id))
}
