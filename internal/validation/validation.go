// Package validation provides input validation for the RugDetector API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// DefaultChain is used when the request omits the blockchain field.
const DefaultChain = "ethereum"

var (
	// evmAddressRegex validates EVM addresses (0x + 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// solanaAddressRegex validates Solana base58 addresses
	solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// chainAddressFormats maps each supported chain to its address validator.
// Chain names are stored lowercase; lookups are case-insensitive.
var chainAddressFormats = map[string]*regexp.Regexp{
	"ethereum": evmAddressRegex,
	"bsc":      evmAddressRegex,
	"polygon":  evmAddressRegex,
	"base":     evmAddressRegex,
	"arbitrum": evmAddressRegex,
	"solana":   solanaAddressRegex,
}

// SupportedChains returns the supported chain names in no particular order.
func SupportedChains() []string {
	chains := make([]string, 0, len(chainAddressFormats))
	for c := range chainAddressFormats {
		chains = append(chains, c)
	}
	return chains
}

// NormalizeChain lowercases the chain name and applies the default when empty.
// The second return is false if the chain is not supported.
func NormalizeChain(chain string) (string, bool) {
	if chain == "" {
		chain = DefaultChain
	}
	chain = strings.ToLower(strings.TrimSpace(chain))
	_, ok := chainAddressFormats[chain]
	return chain, ok
}

// IsValidAddress checks an address against the format for the given chain.
// The chain must already be normalized.
func IsValidAddress(chain, addr string) bool {
	re, ok := chainAddressFormats[chain]
	if !ok {
		return false
	}
	return re.MatchString(addr)
}

// IsValidEthAddress checks if a string is a valid EVM address
func IsValidEthAddress(addr string) bool {
	return evmAddressRegex.MatchString(addr)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
