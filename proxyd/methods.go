package proxyd

import "strings"

// methodClass is the Router's dispatch classification, spec.md §4.4's table.
type methodClass int

const (
	classForbidden methodClass = iota
	classPrivateSend
	classFanQuery
	classHeadIndependent
	classHeadDependent
)

// forbiddenPrefixes are rejected outright with UNSUPPORTED; debug_set* is a
// prefix match narrower than all of debug_* because read-only debug_* calls
// (e.g. debug_traceTransaction) are ordinary head-dependent reads.
var forbiddenPrefixes = []string{"admin_", "personal_", "miner_", "debug_set"}

// fanQueryMethods broadcast to every upstream; first non-null result wins.
var fanQueryMethods = map[string]struct{}{
	"eth_getTransactionByHash":  {},
	"eth_getTransactionReceipt": {},
}

// headIndependentMethods are answered without reference to CanonicalHead and
// cached with no head in the key.
var headIndependentMethods = map[string]struct{}{
	"eth_chainId": {},
	"net_version": {},
}

const privateSendMethod = "eth_sendRawTransaction"

func classify(method string) methodClass {
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(method, prefix) {
			return classForbidden
		}
	}
	if method == privateSendMethod {
		return classPrivateSend
	}
	if _, ok := fanQueryMethods[method]; ok {
		return classFanQuery
	}
	if _, ok := headIndependentMethods[method]; ok {
		return classHeadIndependent
	}
	return classHeadDependent
}

// cacheable reports whether class's responses may be stored in the Response
// Cache at all (spec.md §4.4's "Cacheable" column).
func (c methodClass) cacheable() bool {
	return c == classHeadIndependent || c == classHeadDependent
}
