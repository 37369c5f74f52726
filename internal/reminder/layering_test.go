package reminder

import (
	"shelflife/testutil"
	"testing"
)

func TestReminderDoesNotImportServiceLayer(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.CoreImportForbidden, "the planner is driven by core, not the other way round")
}
