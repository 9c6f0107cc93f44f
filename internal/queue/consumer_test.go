package queue

import "testing"

func TestSplitWorkers(t *testing.T) {
	tests := []struct {
		n           int
		wantPrimary int
		wantRetry   int
	}{
		{n: 0, wantPrimary: 1, wantRetry: 1},
		{n: 1, wantPrimary: 1, wantRetry: 1},
		{n: 2, wantPrimary: 1, wantRetry: 1},
		{n: 5, wantPrimary: 3, wantRetry: 2},
		{n: 10, wantPrimary: 5, wantRetry: 5},
	}

	for _, tt := range tests {
		primary, retry := splitWorkers(tt.n)
		if primary != tt.wantPrimary || retry != tt.wantRetry {
			t.Errorf("splitWorkers(%d) = %d, %d, want %d, %d", tt.n, primary, retry, tt.wantPrimary, tt.wantRetry)
		}
		if tt.n >= 2 && primary+retry != tt.n {
			t.Errorf("splitWorkers(%d) uses %d handlers, want %d", tt.n, primary+retry, tt.n)
		}
	}
}
