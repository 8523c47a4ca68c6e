package wire

import "testing"

func TestAddressValidity(t *testing.T) {
	cases := []struct {
		a     Address
		valid bool
		bcast bool
	}{
		{Address{1, 2, 3, 4}, true, false},
		{Address{0, 2, 3, 4}, false, false},
		{Address{1, 2, 3, 0}, false, false},
		{Address{Broadcast, 2, 3, 4}, true, true},
		{Address{1, Broadcast, Broadcast, 1}, true, true},
	}
	for _, c := range cases {
		if got := c.a.IsValid(); got != c.valid {
			t.Errorf("%v IsValid() = %v, want %v", c.a, got, c.valid)
		}
		if got := c.a.IsBroadcast(); got != c.bcast {
			t.Errorf("%v IsBroadcast() = %v, want %v", c.a, got, c.bcast)
		}
	}
}

func TestDestinationMatch(t *testing.T) {
	mine := Address{1, 2, 3, 4}
	cases := []struct {
		dest  Address
		match bool
	}{
		{Address{1, 2, 3, 4}, true},
		{Address{1, 2, 3, Broadcast}, true},
		{Address{Broadcast, Broadcast, Broadcast, Broadcast}, true},
		{Address{1, 2, 3, 5}, false},
		{Address{9, 2, 3, 4}, false},
	}
	for _, c := range cases {
		if got := DestinationMatch(c.dest, mine); got != c.match {
			t.Errorf("DestinationMatch(%v, %v) = %v, want %v", c.dest, mine, got, c.match)
		}
	}
}

func TestAddressUint32RoundTrip(t *testing.T) {
	a := Address{10, 20, 30, 40}
	if got := AddressFromUint32(a.Uint32()); got != a {
		t.Errorf("round trip = %v, want %v", got, a)
	}
}

func TestAddressString(t *testing.T) {
	a := Address{1, 2, 3, 4}
	if got, want := a.String(), "001.002.003.004"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := a.NodeString(), "001.002"; got != want {
		t.Errorf("NodeString() = %q, want %q", got, want)
	}
}

func TestNodeManagerOf(t *testing.T) {
	nm := NodeManagerOf(1, 2)
	if nm != (Address{1, 2, 1, 1}) {
		t.Errorf("NodeManagerOf(1,2) = %v, want 1.2.1.1", nm)
	}
}
