package settlement

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
)

var txHashKeys = []string{
	"transaction",
	"txHash",
	"tx_hash",
	"transactionHash",
	"transaction_hash",
	"hash",
	"txid",
}

// SettleResponseFromHeaders decodes the settlement descriptor a resource server
// attaches to a paid response, if any.
func SettleResponseFromHeaders(h http.Header) (*types.SettleResponse, bool) {
	for _, name := range []string{HeaderResponseV2, HeaderResponseV1} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		var sr types.SettleResponse
		if err := utils.DecodeJSONOrBase64(v, &sr); err != nil {
			continue
		}
		return &sr, true
	}
	return nil, false
}

// ExtractTxHash finds the settlement transaction hash of a replayed request:
// the settlement-response header first, then a tx-hash-like key in a JSON body.
func ExtractTxHash(h http.Header, body []byte) string {
	if sr, ok := SettleResponseFromHeaders(h); ok && sr.Transaction != "" {
		return sr.Transaction
	}
	if len(body) == 0 {
		return ""
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return ""
	}
	return findTxHash(doc, 0)
}

func findTxHash(v any, depth int) string {
	if depth > 8 {
		return ""
	}
	switch node := v.(type) {
	case map[string]any:
		for _, k := range txHashKeys {
			if s, ok := node[k].(string); ok && utils.IsTransactionHash(s) {
				return s
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if h := findTxHash(node[k], depth+1); h != "" {
				return h
			}
		}
	case []any:
		for _, item := range node {
			if h := findTxHash(item, depth+1); h != "" {
				return h
			}
		}
	}
	return ""
}
