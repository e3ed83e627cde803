package cfn

import (
	_ "embed"
	"sync"
)

//go:embed base.yaml
var baseYAML []byte

var (
	baseOnce sync.Once
	baseTmpl *Template
	baseErr  error
)

// Base returns a fresh copy of the embedded hosting template: distribution,
// bucket, bucket policy and origin access identity.
func Base() (*Template, error) {
	baseOnce.Do(func() {
		baseTmpl, baseErr = Parse(baseYAML)
	})
	if baseErr != nil {
		return nil, baseErr
	}
	return baseTmpl.Clone(), nil
}
