package auth

import "testing"

func TestConnectRedis(t *testing.T) {
	cases := []struct {
		in       string
		wantAddr string
		wantDB   int
	}{
		{"redis://cache.internal:6380/2", "cache.internal:6380", 2},
		{"localhost:6379", "localhost:6379", 0},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			c, err := ConnectRedis(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			if c.Options().Addr != tc.wantAddr || c.Options().DB != tc.wantDB {
				t.Fatalf("unexpected options addr=%s db=%d", c.Options().Addr, c.Options().DB)
			}
		})
	}

	if _, err := ConnectRedis("redis://:bad:port/x"); err == nil {
		t.Fatal("expected malformed url to fail")
	}
}
