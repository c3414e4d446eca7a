package exchange

import "strings"

// 默认端点
const (
	ProductionRestURL = "https://api.bybit.com/v5"
	SandboxRestURL    = "https://api-testnet.bybit.com/v5"
	ProductionWSURL   = "wss://stream.bybit.com/v5/public/linear"
	SandboxWSURL      = "wss://stream-testnet.bybit.com/v5/public/linear"
)

// Endpoints REST/WS 地址
type Endpoints struct {
	RestURL string
	WSURL   string
}

// DefaultEndpoints 按环境返回默认地址
func DefaultEndpoints(env Environment) Endpoints {
	if env == Production {
		return Endpoints{RestURL: ProductionRestURL, WSURL: ProductionWSURL}
	}
	return Endpoints{RestURL: SandboxRestURL, WSURL: SandboxWSURL}
}

// Override 用非空配置覆盖默认值
func (e Endpoints) Override(restURL, wsURL string) Endpoints {
	return Endpoints{
		RestURL: strings.TrimRight(pick(restURL, e.RestURL), "/"),
		WSURL:   pick(wsURL, e.WSURL),
	}
}

func pick(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
