package addr

import "testing"

func TestEqualRequiresAllThreeFields(t *testing.T) {
	base := Address{Name: "runtime-1", URL: "10.0.0.1:9000", Protocol: "grpc"}

	cases := []struct {
		name string
		other Address
		want bool
	}{
		{"identical", Address{Name: "runtime-1", URL: "10.0.0.1:9000", Protocol: "grpc"}, true},
		{"different name", Address{Name: "runtime-2", URL: "10.0.0.1:9000", Protocol: "grpc"}, false},
		{"different url", Address{Name: "runtime-1", URL: "10.0.0.1:9001", Protocol: "grpc"}, false},
		{"different protocol", Address{Name: "runtime-1", URL: "10.0.0.1:9000", Protocol: "vsock"}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := base.Equal(c.other); got != c.want {
				t.Errorf("Equal(%+v, %+v) = %v, want %v", base, c.other, got, c.want)
			}
		})
	}
}

func TestStringIncludesProtocolWhenSet(t *testing.T) {
	a := Address{Name: "runtime-1", URL: "10.0.0.1:9000", Protocol: "grpc"}
	if got, want := a.String(), "grpc://runtime-1@10.0.0.1:9000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	b := Address{Name: "runtime-1", URL: "10.0.0.1:9000"}
	if got, want := b.String(), "runtime-1@10.0.0.1:9000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
