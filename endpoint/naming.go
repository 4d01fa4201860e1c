package endpoint

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// maxDomain bounds derived domains.
const maxDomain = 230

// UniqueTopic returns prefix scoped to this host, process and call, for
// tests that share a broker with concurrent runs.
func UniqueTopic(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	host = strings.NewReplacer(".", "_", "-", "_").Replace(host)

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%d_%s", prefix, host, os.Getpid(), suffix)
}

// DomainFromPID derives a domain from the process id.
func DomainFromPID() uint32 {
	return uint32(os.Getpid() % maxDomain)
}
