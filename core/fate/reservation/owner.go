package reservation

import (
	"fmt"
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// appID salts the protected machine id the same way the reference
// scheduler salts its own, so a machine id leaked from TableFate can't be
// correlated with the same machine's id in another application.
const appID = "tablefate"

// NewOwnerID composes a stable-but-process-unique owner id (§4.2
// expansion): <machine-id>/<pid>/<random-suffix>. The random suffix keeps
// the "stable per process" property while making collisions between
// processes that start concurrently on the same host effectively
// impossible.
func NewOwnerID() (string, error) {
	machineID, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", fmt.Errorf("reservation: get machine id: %w", err)
	}
	return fmt.Sprintf("%s/%d/%s", machineID, os.Getpid(), uuid.NewString()), nil
}
