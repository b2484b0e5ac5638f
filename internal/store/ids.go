package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewGlobalID mints a globally-scoped message identifier in Message-ID form,
// using the domain of the local address so replies route sensibly.
func NewGlobalID(localAddr string) string {
	return fmt.Sprintf("Mr.%s@%s", randomPart(), addrDomain(localAddr))
}

// NewReferenceID mints a fresh thread reference anchor. The anchor never
// names a real message; it only groups a burst of chat messages into one
// mail thread.
func NewReferenceID(localAddr string) string {
	return fmt.Sprintf("Rn.%s@%s", randomPart(), addrDomain(localAddr))
}

func randomPart() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func addrDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return "localhost"
}
