package normalizers

import (
	"strconv"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// NormalizePhone normalizes with the US as the default region.
func NormalizePhone(s string) string {
	return NormalizePhoneRegion(s, "US")
}

// NormalizePhoneRegion returns the E.164 digits of a phone number without the
// leading "+". Unparsable input falls back to its digits, with the region's
// calling code prefixed onto 10-digit national numbers.
func NormalizePhoneRegion(s, region string) string {
	s = strings.TrimSpace(s)
	digits := DigitsOnly(s)
	if digits == "" {
		return ""
	}
	if region == "" {
		region = "US"
	}
	region = strings.ToUpper(region)

	if num, err := libphonenumber.Parse(s, region); err == nil && libphonenumber.IsPossibleNumber(num) {
		return strings.TrimPrefix(libphonenumber.Format(num, libphonenumber.E164), "+")
	}

	if len(digits) == 10 && !strings.HasPrefix(s, "+") {
		if code := libphonenumber.GetCountryCodeForRegion(region); code > 0 {
			return strconv.Itoa(code) + digits
		}
	}
	return digits
}
