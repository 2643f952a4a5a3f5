package permission

import (
	"encoding/json"
	"fmt"

	"github.com/keybunker/keybunker/signer/types"
)

// PackageBasic groups the methods and event kinds a typical client needs
const PackageBasic = "basic"

var packages = map[string]map[string]struct{}{
	PackageBasic: setOf(
		types.MethodConnect,
		types.MethodGetPublicKey,
		types.MethodPing,
		types.MethodNip04Encrypt,
		types.MethodNip04Decrypt,
		types.MethodNip44Encrypt,
		types.MethodNip44Decrypt,
		signKey(0),
		signKey(1),
		signKey(3),
		signKey(6),
		signKey(7),
		signKey(9734),
		signKey(10002),
		signKey(30023),
		signKey(10000),
		signKey(27235),
	),
}

func setOf(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func signKey(kind int) string {
	return fmt.Sprintf("%s:%d", types.MethodSignEvent, kind)
}

// IsPackage reports whether name is a permission package
func IsPackage(name string) bool {
	_, ok := packages[name]
	return ok
}

// PackageContains reports whether the permission package includes key
func PackageContains(name, key string) bool {
	_, ok := packages[name][key]
	return ok
}

// PermissionKey returns the key a request is authorized under: the method name,
// or "sign_event:<kind>" for signing requests carrying a parsable kind
func PermissionKey(method string, params []string) string {
	if method != types.MethodSignEvent || len(params) == 0 {
		return method
	}
	var ev struct {
		Kind *int `json:"kind"`
	}
	if err := json.Unmarshal([]byte(params[0]), &ev); err != nil || ev.Kind == nil {
		return method
	}
	return signKey(*ev.Kind)
}

func connectSecret(params []string) string {
	if len(params) < 2 {
		return ""
	}
	return params[1]
}
