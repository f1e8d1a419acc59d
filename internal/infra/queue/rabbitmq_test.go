package queue

import "testing"

func TestAMQPPriority(t *testing.T) {
	tests := []struct {
		in   int
		want uint8
	}{
		{in: 1, want: 9},
		{in: 10, want: 0},
		{in: 5, want: 5},
		{in: 0, want: 9},
		{in: 42, want: 0},
	}
	for _, tt := range tests {
		if got := amqpPriority(tt.in); got != tt.want {
			t.Fatalf("amqpPriority(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
