package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"PGateway/module/notify/model"
	"PGateway/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Leeway time.Duration // 时钟偏差容忍
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Verifier 凭证 -> Principal；网关只校验不签发
type Verifier interface {
	Verify(credential string) (model.Principal, error)
}

// VerifierFunc 便于测试和外部身份源接入
type VerifierFunc func(credential string) (model.Principal, error)

func (f VerifierFunc) Verify(credential string) (model.Principal, error) { return f(credential) }

// JWTVerifier HMAC 家族 JWT 校验
type JWTVerifier struct {
	opts   Options
	method jwtlib.SigningMethod
	parser *jwtlib.Parser
}

func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithIssuedAt(),
		jwtlib.WithLeeway(opts.Leeway),
	)
	return &JWTVerifier{opts: opts, method: method, parser: parser}, nil
}

func (v *JWTVerifier) Verify(credential string) (model.Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return model.Principal{}, errs.ErrUnauthorized.WithDetail("missing credential")
	}
	claims := jwtlib.MapClaims{}
	tok, err := v.parser.ParseWithClaims(credential, claims, func(t *jwtlib.Token) (interface{}, error) {
		return v.opts.Secret, nil
	})
	if err != nil || !tok.Valid {
		return model.Principal{}, errs.ErrUnauthorized.WithDetail("invalid credential")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return model.Principal{}, errs.ErrUnauthorized.WithDetail("credential has no subject")
	}
	p := model.Principal{ID: sub, Roles: rolesOf(claims)}
	if iat, _ := claims.GetIssuedAt(); iat != nil {
		p.IssuedAt = iat.Time
	}
	return p, nil
}

// Generate 签发令牌，仅测试与本地调试使用
func (v *JWTVerifier) Generate(principalID string, roles []string) (string, time.Time, error) {
	ttl := v.opts.TTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(ttl)

	claims := jwtlib.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	signed, err := jwtlib.NewWithClaims(v.method, claims).SignedString(v.opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// rolesOf 兼容 roles 数组和 scope（数组或空格分隔字符串）
func rolesOf(claims jwtlib.MapClaims) []string {
	var out []string
	for _, key := range []string{"roles", "scope"} {
		switch v := claims[key].(type) {
		case []interface{}:
			for _, r := range v {
				if s, ok := r.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		case []string:
			out = append(out, v...)
		case string:
			out = append(out, strings.Fields(v)...)
		}
	}
	return out
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
