package recognize

// MOD 11-2 check-digit scheme for 18-digit resident identity numbers
// (GB 11643-1999).

var idCardWeights = [17]int{7, 9, 10, 5, 8, 4, 2, 1, 6, 3, 7, 9, 10, 5, 8, 4, 2}

// idCardCheckCodes is indexed by the weighted sum mod 11.
const idCardCheckCodes = "10X98765432"

// IDCardProvinces lists the valid two-digit province prefixes.
var IDCardProvinces = []string{
	"11", "12", "13", "14", "15",
	"21", "22", "23",
	"31", "32", "33", "34", "35", "36", "37",
	"41", "42", "43", "44", "45", "46",
	"50", "51", "52", "53", "54",
	"61", "62", "63", "64", "65",
}

// IDCardCheckDigit computes the check digit for the first 17 digits.
// ok is false when first17 is not exactly 17 decimal digits.
func IDCardCheckDigit(first17 string) (byte, bool) {
	if len(first17) != 17 {
		return 0, false
	}
	sum := 0
	for i := 0; i < 17; i++ {
		c := first17[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		sum += int(c-'0') * idCardWeights[i]
	}
	return idCardCheckCodes[sum%11], true
}

// ValidIDCard reports whether an 18-character identity number has a correct
// check digit. The trailing X may be lower case.
func ValidIDCard(s string) bool {
	if len(s) != 18 {
		return false
	}
	want, ok := IDCardCheckDigit(s[:17])
	if !ok {
		return false
	}
	got := s[17]
	if got == 'x' {
		got = 'X'
	}
	return got == want
}

// ParseIDCard splits an identity number into its region, birth date
// (YYYYMMDD) and sequence segments. Legacy 15-digit numbers are normalized
// to a 1900s birth date and a 3-digit sequence.
func ParseIDCard(s string) (region, birth, seq string, ok bool) {
	switch len(s) {
	case 18:
		return s[:6], s[6:14], s[14:17], true
	case 15:
		return s[:6], "19" + s[6:12], s[12:15], true
	default:
		return "", "", "", false
	}
}
