package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keybunker/keybunker/signer/types"
)

func TestPermissionKey(t *testing.T) {
	tt := []struct {
		name   string
		method string
		params []string
		want   string
	}{
		{name: "plain method", method: types.MethodPing, want: "ping"},
		{name: "sign with kind", method: types.MethodSignEvent, params: []string{`{"kind":1,"content":"hi"}`}, want: "sign_event:1"},
		{name: "sign with kind zero", method: types.MethodSignEvent, params: []string{`{"kind":0}`}, want: "sign_event:0"},
		{name: "sign without kind", method: types.MethodSignEvent, params: []string{`{"content":"hi"}`}, want: "sign_event"},
		{name: "sign with broken event", method: types.MethodSignEvent, params: []string{`{`}, want: "sign_event"},
		{name: "sign without params", method: types.MethodSignEvent, want: "sign_event"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PermissionKey(tc.method, tc.params))
		})
	}
}

func TestPackages(t *testing.T) {
	assert.True(t, IsPackage(PackageBasic))
	assert.False(t, IsPackage("sign_event:1"))

	assert.True(t, PackageContains(PackageBasic, "sign_event:1"))
	assert.True(t, PackageContains(PackageBasic, types.MethodNip44Decrypt))
	assert.False(t, PackageContains(PackageBasic, "sign_event:4"))
	assert.False(t, PackageContains("unknown", types.MethodPing))
}

func TestConnectSecret(t *testing.T) {
	assert.Equal(t, "", connectSecret(nil))
	assert.Equal(t, "", connectSecret([]string{"pub"}))
	assert.Equal(t, "s3cret", connectSecret([]string{"pub", "s3cret", "sign_event:1"}))
}
