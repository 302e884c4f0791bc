package routing

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewCaseID returns a human-readable case id such as CS-20240603-4F2A9C
func NewCaseID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "CS-" + now.UTC().Format("20060102") + "-" + suffix
}
