package domain

import (
	"shelflife/testutil"
	"testing"
)

func TestDomainImportsNoEngineInternals(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "pkg/domain is the shared vocabulary of every layer")
}
