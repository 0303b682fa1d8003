package quotecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/tournevent/shipquote/pkg/shipping"
)

type fingerprintPackage struct {
	Width     string `json:"w"`
	Height    string `json:"h"`
	Length    string `json:"l"`
	Weight    string `json:"kg"`
	Insurance string `json:"ins"`
	Quantity  int    `json:"qty"`
}

func (p fingerprintPackage) sortKey() string {
	return p.Width + "|" + p.Height + "|" + p.Length + "|" + p.Weight + "|" + p.Insurance + "|" + strconv.Itoa(p.Quantity)
}

// Fingerprint returns a deterministic hash of the destination postal code,
// the environment and the packages. Package order does not change the
// physical shipment, so packages are sorted before hashing.
func Fingerprint(destinationPostalCode string, packages []shipping.PackageSpec, env shipping.Environment) string {
	pkgs := make([]fingerprintPackage, len(packages))
	for i, p := range packages {
		pkgs[i] = fingerprintPackage{
			Width:     formatFloat(p.WidthCm),
			Height:    formatFloat(p.HeightCm),
			Length:    formatFloat(p.LengthCm),
			Weight:    formatFloat(p.WeightKg),
			Insurance: p.InsuranceValue.String(),
			Quantity:  p.Quantity,
		}
	}
	sort.SliceStable(pkgs, func(i, j int) bool {
		return pkgs[i].sortKey() < pkgs[j].sortKey()
	})

	payload, _ := json.Marshal(struct {
		Destination string               `json:"to"`
		Environment shipping.Environment `json:"env"`
		Packages    []fingerprintPackage `json:"pkgs"`
	}{destinationPostalCode, env, pkgs})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Key scopes a fingerprint to the rule inputs an entry was computed for, so
// quotes for the same shipment with different order values are cached side
// by side instead of replacing each other.
func Key(fingerprint, ruleContext string) string {
	sum := sha256.Sum256([]byte(ruleContext))
	return fingerprint + ":" + hex.EncodeToString(sum[:8])
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
