package memory

import (
	"shelflife/testutil"
	"testing"
)

func TestMemoryStoreImportsOnlyDomain(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "backends wrap the memory store")
}
