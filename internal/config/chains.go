package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/XinFinOrg/XDCMonitor-sub001/internal/types"
)

// Built-in registry of XDC networks. Endpoint order matters: it is the
// final tie-break during best-endpoint selection, so the canonical
// public endpoints come first.
var defaultChains = []types.Chain{
	{
		ID:              50,
		Name:            "XDC Mainnet",
		TargetBlockTime: 2 * time.Second,
		Mainnet:         true,
		Endpoints: []types.Endpoint{
			{URL: "https://rpc.xinfin.network", Name: "mainnet-rpc", Kind: types.EndpointHTTPRPC, ChainID: 50},
			{URL: "https://erpc.xinfin.network", Name: "mainnet-erpc", Kind: types.EndpointEnhancedRPC, ChainID: 50},
			{URL: "https://rpc.xdcrpc.com", Name: "xdcrpc", Kind: types.EndpointHTTPRPC, ChainID: 50},
			{URL: "https://rpc.ankr.com/xdc", Name: "ankr", Kind: types.EndpointHTTPRPC, ChainID: 50, Conditional: true},
			{URL: "wss://ws.xinfin.network", Name: "mainnet-ws", Kind: types.EndpointWebsocket, ChainID: 50},
			{URL: "wss://ews.xinfin.network", Name: "mainnet-ews", Kind: types.EndpointWebsocket, ChainID: 50},
		},
	},
	{
		ID:              51,
		Name:            "Apothem Testnet",
		TargetBlockTime: 2 * time.Second,
		Endpoints: []types.Endpoint{
			{URL: "https://rpc.apothem.network", Name: "apothem-rpc", Kind: types.EndpointHTTPRPC, ChainID: 51},
			{URL: "https://erpc.apothem.network", Name: "apothem-erpc", Kind: types.EndpointEnhancedRPC, ChainID: 51},
			{URL: "https://apothem.xdcrpc.com", Name: "apothem-xdcrpc", Kind: types.EndpointHTTPRPC, ChainID: 51},
			{URL: "wss://ws.apothem.network", Name: "apothem-ws", Kind: types.EndpointWebsocket, ChainID: 51},
		},
	},
	{
		ID:              551,
		Name:            "XDC Devnet",
		TargetBlockTime: 2 * time.Second,
		Endpoints: []types.Endpoint{
			{URL: "https://devnetstats.hashlabs.apothem.network/devnet", Name: "devnet-rpc", Kind: types.EndpointHTTPRPC, ChainID: 551},
			{URL: "wss://devnetstats.hashlabs.apothem.network/ws", Name: "devnet-ws", Kind: types.EndpointWebsocket, ChainID: 551},
		},
	},
}

// buildChains applies environment endpoint overrides to the built-in
// registry. RPC overrides replace the http/enhanced endpoints of a
// chain, WS overrides replace its websocket endpoints; the untouched
// kind keeps its defaults.
func buildChains(cfg *Config) []types.Chain {
	chains := make([]types.Chain, 0, len(defaultChains))
	for _, ch := range defaultChains {
		built := types.Chain{
			ID:              ch.ID,
			Name:            ch.Name,
			TargetBlockTime: ch.TargetBlockTime,
			Mainnet:         ch.Mainnet,
		}

		if urls, ok := endpointOverrides(ch.ID, types.EndpointHTTPRPC); ok {
			for i, u := range urls {
				built.Endpoints = append(built.Endpoints, types.Endpoint{
					URL:     u,
					Name:    fmt.Sprintf("rpc-%d-%d", ch.ID, i+1),
					Kind:    rpcKindForURL(u),
					ChainID: ch.ID,
				})
			}
		} else {
			for _, ep := range ch.Endpoints {
				if ep.Kind != types.EndpointWebsocket {
					built.Endpoints = append(built.Endpoints, ep)
				}
			}
		}

		if urls, ok := endpointOverrides(ch.ID, types.EndpointWebsocket); ok {
			for i, u := range urls {
				built.Endpoints = append(built.Endpoints, types.Endpoint{
					URL:     u,
					Name:    fmt.Sprintf("ws-%d-%d", ch.ID, i+1),
					Kind:    types.EndpointWebsocket,
					ChainID: ch.ID,
				})
			}
		} else {
			for _, ep := range ch.Endpoints {
				if ep.Kind == types.EndpointWebsocket {
					built.Endpoints = append(built.Endpoints, ep)
				}
			}
		}

		chains = append(chains, built)
	}
	return chains
}

// rpcKindForURL classifies an override URL: the erpc convention marks
// enhanced endpoints that answer XDPoS queries.
func rpcKindForURL(u string) types.EndpointKind {
	if strings.Contains(u, "erpc") {
		return types.EndpointEnhancedRPC
	}
	return types.EndpointHTTPRPC
}
