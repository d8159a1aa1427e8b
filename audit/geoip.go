package audit

// GeoIP resolves an IP address to a coarse location. It is a soft
// dependency: a nil resolver, or any lookup error, silently disables the
// location enrichment and the geo-based anomaly checks. That degradation is
// intentional, not a defect.
type GeoIP interface {
	Lookup(ip string) (country, city string, err error)
}

// StaticGeoIP is a fixed-table resolver used by tests and air-gapped
// deployments that still want impossible-travel detection for known ranges.
type StaticGeoIP struct {
	Entries map[string][2]string // ip -> {country, city}
}

func (g *StaticGeoIP) Lookup(ip string) (string, string, error) {
	if g == nil || g.Entries == nil {
		return "", "", nil
	}
	loc, ok := g.Entries[ip]
	if !ok {
		return "", "", nil
	}
	return loc[0], loc[1], nil
}
