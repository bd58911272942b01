package recognize

import "testing"

func TestIDCardCheckDigit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		first17 string
		want    byte
		ok      bool
	}{
		{name: "digit check code", first17: "11010119900101001", want: '5', ok: true},
		{name: "X check code", first17: "11010119900101100", want: 'X', ok: true},
		{name: "shanghai", first17: "31010119851202123", want: '7', ok: true},
		{name: "too short", first17: "1101011990010100", ok: false},
		{name: "too long", first17: "110101199001010015", ok: false},
		{name: "non digit", first17: "1101011990010100X", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := IDCardCheckDigit(tt.first17)
			if ok != tt.ok {
				t.Fatalf("IDCardCheckDigit(%q) ok = %v, want %v", tt.first17, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("IDCardCheckDigit(%q) = %c, want %c", tt.first17, got, tt.want)
			}
		})
	}
}

func TestValidIDCard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "valid", id: "110101199001010015", want: true},
		{name: "valid with X", id: "11010119900101100X", want: true},
		{name: "valid with lowercase x", id: "11010119900101100x", want: true},
		{name: "wrong check digit", id: "110101199001010010", want: false},
		{name: "fifteen digits", id: "110101900101001", want: false},
		{name: "empty", id: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ValidIDCard(tt.id); got != tt.want {
				t.Errorf("ValidIDCard(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestParseIDCard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		id     string
		region string
		birth  string
		seq    string
		ok     bool
	}{
		{name: "18 digit", id: "110101199001010015", region: "110101", birth: "19900101", seq: "001", ok: true},
		{name: "15 digit legacy", id: "110101900101001", region: "110101", birth: "19900101", seq: "001", ok: true},
		{name: "garbage", id: "12345", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			region, birth, seq, ok := ParseIDCard(tt.id)
			if ok != tt.ok {
				t.Fatalf("ParseIDCard(%q) ok = %v, want %v", tt.id, ok, tt.ok)
			}
			if !ok {
				return
			}
			if region != tt.region || birth != tt.birth || seq != tt.seq {
				t.Errorf("ParseIDCard(%q) = (%s, %s, %s), want (%s, %s, %s)",
					tt.id, region, birth, seq, tt.region, tt.birth, tt.seq)
			}
		})
	}
}
