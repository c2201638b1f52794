package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// documentNumber builds PREFIX-YYYYMMDD-XXXXXX with a random upper-case hex suffix
func documentNumber(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102"), suffix)
}
