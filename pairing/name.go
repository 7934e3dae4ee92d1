package pairing

import (
	"math/rand/v2"
	"strings"
)

// PairingNameLength is the number of letters in a generated pairing name
const PairingNameLength = 4

// GenerateRandomPairingName returns PairingNameLength independent uniform draws
// from A-Z. Names are short enough to read off a screen and are not unique
// across the network.
func GenerateRandomPairingName() string {
	return generatePairingName(rand.IntN)
}

func generatePairingName(intn func(n int) int) string {
	var b strings.Builder
	b.Grow(PairingNameLength)
	for i := 0; i < PairingNameLength; i++ {
		b.WriteByte(byte('A' + intn(26)))
	}
	return b.String()
}
