// Package security は外部AIプロバイダへの通信の保護と、AI応答の無害化を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// EndpointGuard は設定で差し替え可能なプロバイダのエンドポイントを検証する。
// AI_BASE_URL等が内部ネットワークやメタデータサービスを指していないことを起動時に確認し、
// 実行時はDNS解決後のIPアドレスを検証するHTTPクライアントを提供する。
type EndpointGuard interface {
	// NewClient はSSRF防止機能付きのHTTPクライアントを生成する。
	NewClient(timeout time.Duration) *http.Client

	// ValidateEndpoint はエンドポイントURLを静的に検証する。
	ValidateEndpoint(rawURL string) error
}

// blockedNetworks はプロバイダのエンドポイントとして許可しないネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10", // CGNAT
		"127.0.0.0/8",
		"169.254.0.0/16", // メタデータIP (169.254.169.254) を含む
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

// endpointGuard はEndpointGuardの実装。
type endpointGuard struct {
	schemes []string
	ports   []int
}

// NewEndpointGuard はEndpointGuardを生成する。
// allowHTTPがfalseの場合はhttpsのみを許可する。
func NewEndpointGuard(allowHTTP bool) *endpointGuard {
	g := &endpointGuard{schemes: []string{"https"}, ports: []int{443}}
	if allowHTTP {
		g.schemes = append(g.schemes, "http")
		g.ports = append(g.ports, 80)
	}
	return g
}

// NewClient はsafeurlによるSSRF防止付きのHTTPクライアントを生成する。
// 接続時にDNS解決後のIPアドレスを検証するため、DNS再バインディングにも対応する。
func (g *endpointGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes...).
		SetAllowedPorts(g.ports...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint はURLのスキーム、認証情報、ホストを検証する。
func (g *endpointGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty endpoint")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !g.allowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, g.schemes)
	}
	// 資格情報はURLではなくAuthorizationヘッダで渡す
	if parsed.User != nil {
		return fmt.Errorf("endpoint must not contain credentials")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in endpoint: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip.String())
			}
		}
		return nil
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return fmt.Errorf("blocked host: %s", host)
		}
	}
	return nil
}

func (g *endpointGuard) allowedScheme(scheme string) bool {
	for _, s := range g.schemes {
		if s == scheme {
			return true
		}
	}
	return false
}
