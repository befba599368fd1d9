package store

import "github.com/hiverack/hive/internal/hivetypes"

// User is one entry of the credentials tree's user list. Only consumed by
// the admin UI, which is outside this repository; the monitor only persists
// it.
type User struct {
	Username string `json:"username"`
	Hash     string `json:"hash"`
	Role     string `json:"role"`
}

// Config-tree keys. Each key's type parameter pins what the stored bytes
// decode into, which is what makes get/insert/remove type-checked at call
// sites.
var (
	KeyAssignedProbes    = NewKey[hivetypes.ProbeInitData]("assigned_probes")
	KeyAssignedTargets   = NewKey[hivetypes.TargetInitData]("assigned_targets")
	KeyShieldsPresent    = NewKey[[8]bool]("tss_present")
	KeyTestprograms      = NewKey[[]string]("testprograms")
	KeyActiveTestprogram = NewKey[string]("active_testprogram")
)

// Credentials-tree keys.
var (
	KeyUsers = NewKey[[]User]("users")
)
