package llm

import (
	"os"
	"testing"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

// byteRanks is an offline vocabulary with one token per byte and no merges, so
// token counts equal byte lengths.
type byteRanks struct{}

func (byteRanks) LoadTiktokenBpe(string) (map[string]int, error) {
	ranks := make(map[string]int, 256)
	for i := 0; i < 256; i++ {
		ranks[string([]byte{byte(i)})] = i
	}
	return ranks, nil
}

func TestMain(m *testing.M) {
	tiktoken.SetBpeLoader(byteRanks{})
	os.Exit(m.Run())
}

func TestTokenizerCount(t *testing.T) {
	tk := NewTokenizer(zaptest.NewLogger(t))
	assert.Equal(t, 11, tk.Count("hello world"))
	assert.Equal(t, 0, tk.Count(""))
}

func TestTokenizerFallsBackWithoutEncoding(t *testing.T) {
	tk := &Tokenizer{encoding: "no-such-encoding", logger: zaptest.NewLogger(t)}
	assert.Equal(t, 3, tk.Count("hello world"))
	assert.Equal(t, 1, tk.Count("ab"))
}

func TestKeepRecent(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int
		limit int
		want  int
	}{
		{"empty", nil, 10, 0},
		{"unbounded", []int{50, 50, 50}, 0, 3},
		{"all fit", []int{3, 3, 3}, 10, 3},
		{"drops oldest", []int{6, 3, 3}, 10, 2},
		{"newest always kept", []int{3, 30}, 10, 1},
		{"exact fit", []int{5, 5}, 10, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keepRecent(tt.sizes, tt.limit))
		})
	}
}
