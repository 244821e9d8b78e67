package common

import (
	"regexp"
	"strings"
)

const (
	DefaultBlockGap           int64 = 100
	DefaultDictionaryBlockGap int64 = 500

	MethodSubstrateHeader = "chain_getHeader"
	MethodEvmBlockNumber  = "eth_blockNumber"
)

type NetworkName string

const (
	NetworkTestnet NetworkName = "testnet"
	NetworkMainnet NetworkName = "mainnet"
)

// ChainConfig describes how to read a chain's head and how far behind it an indexer may lag.
type ChainConfig struct {
	Rpc                string `json:"rpc" yaml:"rpc"`
	Method             string `json:"method" yaml:"method"`
	BlockGap           int64  `json:"blockGap" yaml:"blockGap"`
	DictionaryBlockGap int64  `json:"dictionaryBlockGap" yaml:"dictionaryBlockGap"`
}

// Gap picks the tolerance for a general or a dictionary deployment.
func (c *ChainConfig) Gap(dictionary bool) int64 {
	if c == nil {
		if dictionary {
			return DefaultDictionaryBlockGap
		}
		return DefaultBlockGap
	}
	if dictionary {
		return c.DictionaryBlockGap
	}
	return c.BlockGap
}

// Chain identifiers as they appear in project manifests.
const (
	ChainPolkadot      = "0x91b171bb158e2d3848fa23a9f1c25182fb8e20313b2c1eb49219da7a70ce90c3"
	ChainKusama        = "0xb0a8d493285c2df73290dfb7e61f870f17b41801197a149ca93654499ea3dafe"
	ChainMoonbeam      = "0xfe58ea77779b7abda7da4ec526d14db9b1e9cd40a217c34892af80a9b332b76d"
	ChainMoonriver     = "0x401a1f9dca3da46f5c4091016c8a2f26dcea05865116b286f60f668207d1474b"
	ChainNodle         = "0x97da7ede98d7bad4e36b4d734b6055425a3be036da2a332ea5a7037656427a21"
	ChainAcala         = "0xfc41b9bd8ef8fe53d58c7ea67c794c7ec9a73daf05e6d54b14ff6342c99ba64c"
	ChainKarura        = "0xbaf5aabe40646d11f0ee8abbdc64f4a4b7674925cba08e4a05ff9ebed6e2126b"
	ChainArbitrum      = "42161"
	ChainOptimism      = "10"
	ChainKhala         = "0xd43540ba6d3eb4897c28a77d48cb5b729fea37603cbbfc7a86a73b72adb3be8d"
	ChainAstar         = "0x9eb76c5184c4ab8679d2d5d819fdf90b9c001403e9e17da2e14b6d8aec4029c6"
	ChainWestend       = "0xe143f23803ac50e8f6f8e62695d1ce9e4e1d68aa36c1cd2cfd15340213f3423e"
	ChainPolygon       = "137"
	ChainMumbai        = "80001"
	ChainShiden        = "0xf1cf9022c7ebb34b162d5b5e34e705a5a740b2d0ecc1009fb89023e62a488108"
	ChainStatemint     = "0x68d56f15f85d3136970ec16946040bc1752654e906147f7e43e9d539d7c3de2f"
	ChainAlephZero     = "0x70255b4d28de0fc4e1a193d7e175ad1ccef431598211c55538f1018651a0344e"
	ChainKilt          = "0x411f057b9107718c9624d6aa4a3f23c1653898297f3d4d529d9bb6511a39dd21"
	ChainBifrost       = "0x9f28c6a68e0fc9646eff64935684f6eeeece527e37bbe1f213d22caa1d9d6bed"
	ChainCalamari      = "0x4ac80c99289841dd946ef92765bf659a307d39189b3ce374a92b5f0415ee17a1"
	ChainMoonbaseAlpha = "0x91bc6e169807aaa54802737e1c504b2577d4fafedd5a02c10293b1cd60e39527"
	ChainAlgorand      = "wGHE2Pwdvd7S12BL5FaOP20EGYesN73ktiC1qzkkit8="
	ChainNear          = "mainnet"
	ChainJuno          = "juno-1"
	ChainFetchai       = "fetchhub-4"
)

func substrateChain(rpc string) ChainConfig {
	return ChainConfig{Rpc: rpc, Method: MethodSubstrateHeader, BlockGap: DefaultBlockGap, DictionaryBlockGap: DefaultDictionaryBlockGap}
}

func evmChain(rpc string) ChainConfig {
	return ChainConfig{Rpc: rpc, Method: MethodEvmBlockNumber, BlockGap: DefaultBlockGap, DictionaryBlockGap: DefaultDictionaryBlockGap}
}

// ChainConfigs is the static chain table. Chains without a public rpc still carry their tolerances.
var ChainConfigs = map[string]ChainConfig{
	ChainPolkadot: substrateChain("https://rpc.polkadot.io"),
	ChainKusama:   substrateChain("https://kusama-rpc.polkadot.io"),
	ChainNodle:    substrateChain("https://nodle-parachain.api.onfinality.io/public"),
	ChainAcala:    substrateChain("https://acala-rpc.dwellir.com"),
	ChainKarura:   substrateChain("https://karura-rpc.dwellir.com"),
	ChainKhala:    substrateChain("https://khala.api.onfinality.io/public"),
	ChainAstar:    substrateChain("https://astar.api.onfinality.io/public"),
	ChainWestend:  substrateChain("https://westend-rpc.polkadot.io"),

	ChainMoonbeam:  evmChain("https://moonbeam.api.onfinality.io/public"),
	ChainMoonriver: evmChain("https://moonriver.api.onfinality.io/public"),
	ChainOptimism:  evmChain("https://mainnet.optimism.io"),
	ChainArbitrum:  evmChain("https://arb1.arbitrum.io/rpc"),
	ChainPolygon:   evmChain("https://polygon-rpc.com/"),
	ChainMumbai:    evmChain("https://rpc-mumbai.polygon.technology"),

	ChainShiden:        substrateChain(""),
	ChainStatemint:     substrateChain(""),
	ChainAlephZero:     substrateChain(""),
	ChainKilt:          substrateChain(""),
	ChainBifrost:       substrateChain(""),
	ChainCalamari:      substrateChain(""),
	ChainMoonbaseAlpha: substrateChain(""),

	ChainAlgorand: {BlockGap: DefaultBlockGap, DictionaryBlockGap: 1000},
	ChainNear:     {BlockGap: DefaultBlockGap, DictionaryBlockGap: 10000},
	ChainJuno:     {BlockGap: DefaultBlockGap, DictionaryBlockGap: 10000},
	ChainFetchai:  {BlockGap: DefaultBlockGap, DictionaryBlockGap: 1000},
}

// DictionaryDeployments maps a chain identifier to the dictionary deployment serving it, per network.
var DictionaryDeployments = map[NetworkName]map[string]string{
	NetworkTestnet: {
		ChainPolkadot: "QmZGAZQ7e1oZgfuK4V29Fa5gveYK3G2zEwvUzTZKNvSBsm",
		ChainKusama:   "QmXwfCF8858YY924VHgNLsxRQfBLosVbB31mygRLhgJbWn",
		ChainMoonbeam: "QmeeqBHdVu7iYnhVE9ZiYEKTWe4jXVUD5pVoGXT6LbCP2t",
		ChainNodle:    "QmQtmsHoJEYUcxKE4tBqr9Z8kudcgkczQPfhkAxVExQX5y",
	},
	NetworkMainnet: {
		ChainPolkadot:      "QmUGBdhQKnzE8q6x6MPqP6LNZGa8gzXf5gkdmhzWjdFGfL",
		ChainKusama:        "Qmbe5g5vbEJYYAfpjcwNDzuhjeyaEQPQbxKyKx6PveYnR8",
		ChainMoonbeam:      "QmUHAsweQYXYrY5Swbt1eHkUwnE5iLc7w9Fh62JY6guXEK",
		ChainMoonriver:     "QmWhwLQA4P6iZv6bmQxUqG5zumNK8KDBwcq8wxN4G213dq",
		ChainNodle:         "QmZpj5wYpUbGqJDg6KWgbkK5bmeuCqYX6kwk317jdJ9DZ4",
		ChainAcala:         "QmUj8yYCE1YU5UNdtm4q4di4GBDEAmL8vprSRWVGrYeEFm",
		ChainKarura:        "QmPQQA28fxR1hePk25MHNS1vEYRs4Gbz3PXry8G4dfC76N",
		ChainArbitrum:      "QmPKMkqTe7UMRPZWxuD8dFgufjKzWQEeW84Qo1x1X8VVLR",
		ChainOptimism:      "QmPuHdLxTQHEAitgLe9Sg1Jnr1WwJASDRSL5RUzBe3NywV",
		ChainKhala:         "QmP2KRbGx4vLaL8HqugVXrNPMyziFL6aM9NAd4NbFqsPA9",
		ChainAstar:         "QmapQ6cNKPtZE1jkeUp5V6xy7sPSiJiZpoqZcRRtyc4Stq",
		ChainWestend:       "QmP1BMJoyJ5iFq6XLSfTJ3D23iWuTG1tnsEffJpNieQnwN",
		ChainShiden:        "QmPiTswpMTeipwnmJkAcwkcg5Se8XfrucGYVKbwuAxQgJ6",
		ChainStatemint:     "Qme1iQvwLoeh1ZLZVL4zDGZBK1hnMG3xZz1oaLBRvZxT7X",
		ChainAlephZero:     "QmaYR3CJyhywww1Cf5TMJP15DAcD3YE9ZSNmdLbM7KiQHi",
		ChainKilt:          "QmeBTNuhahUo2EhTRxV3qVAVf5bC8zVQRrrHd3SUDXgtbF",
		ChainBifrost:       "QmcvcN4gZkiB2JkmK6BdHh7Wzy8Gfp8R7ZHSgGajbGv6Wy",
		ChainCalamari:      "QmdrqzazvSmrr6rgfxJEssJH9jqhYCZARm92UxNXMv5f86",
		ChainMoonbaseAlpha: "QmWv9Ja5AQ9cPpXb6U7sGCvkhK6XbZ7xQntTBqidsSf5SF",
		ChainAlgorand:      "QmYNRtrcD2QKftkff2UpjV3fr3ubPZuYahTNDAct4Ad2NW",
		ChainNear:          "QmSKrk3BpzjWzKfS8sZRS5vyjmtXvkJnK8nHUVBhiCmz41",
		ChainJuno:          "QmPjq55mgUt9S8S491Q3wEbb87fXyEkdxymT6Gwe2xe1Z1",
		ChainFetchai:       "QmbtSt8USCUTBWeAqevN1AwmUhKzqmtvhSdFYHYA1BviC8",
	},
}

func LookupChainConfig(chainId string) (*ChainConfig, bool) {
	cfg, ok := ChainConfigs[chainId]
	if !ok {
		return nil, false
	}
	return &cfg, true
}

func DictionaryDeploymentId(network NetworkName, chainId string) (string, bool) {
	byChain, ok := DictionaryDeployments[network]
	if !ok {
		return "", false
	}
	id, ok := byChain[chainId]
	return id, ok && id != ""
}

var (
	cidV0Regex = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)
	cidV1Regex = regexp.MustCompile(`^b[a-z2-7]{58,}$`)
)

func IsCID(s string) bool {
	return cidV0Regex.MatchString(s) || cidV1Regex.MatchString(s)
}

// ProjectIdToDeploymentId resolves dictionary chain ids and passes CIDs through unchanged.
func ProjectIdToDeploymentId(network NetworkName, projectId string) (string, bool) {
	if id, ok := DictionaryDeploymentId(network, projectId); ok {
		return id, true
	}
	if IsCID(strings.TrimSpace(projectId)) {
		return strings.TrimSpace(projectId), true
	}
	return "", false
}
