package strategy

import (
	"context"
	"testing"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

func TestFirst(t *testing.T) {
	var attempted []string
	attempt := func(name string, err error) Strategy {
		return Strategy{
			Name: name,
			Attempt: func(context.Context) error {
				attempted = append(attempted, name)
				return err
			},
		}
	}

	tests := []struct {
		name         string
		strategies   []Strategy
		expWinner    string
		expAttempted []string
		expError     string
	}{
		{
			name: "FirstSucceeds",
			strategies: []Strategy{
				attempt("shallow", nil),
				attempt("full", nil),
			},
			expWinner:    "shallow",
			expAttempted: []string{"shallow"},
		},
		{
			name: "FallsBack",
			strategies: []Strategy{
				attempt("shallow", errors.New("no such branch")),
				attempt("full", errors.New("no such branch")),
				attempt("copy", nil),
			},
			expWinner:    "copy",
			expAttempted: []string{"shallow", "full", "copy"},
		},
		{
			name: "AllFail",
			strategies: []Strategy{
				attempt("apt-get", errors.New("not found")),
				attempt("apk", errors.New("permission denied")),
			},
			expAttempted: []string{"apt-get", "apk"},
			expError: "all strategies failed (apt-get: not found; " +
				"apk: permission denied)",
		},
		{
			name:     "Empty",
			expError: "no strategies to try",
		},
	}

	log, _ := logrusTest.NewNullLogger()
	for _, test := range tests {
		attempted = nil
		winner, err := First(context.Background(), log, test.strategies)
		assert.Equal(t, test.expWinner, winner, test.name)
		assert.Equal(t, test.expAttempted, attempted, test.name)
		if test.expError == "" {
			assert.NoError(t, err, test.name)
		} else {
			assert.EqualError(t, err, test.expError, test.name)
		}
	}
}

func TestFirstCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log, _ := logrusTest.NewNullLogger()
	_, err := First(ctx, log, []Strategy{{
		Name: "never",
		Attempt: func(context.Context) error {
			t.Fatal("should not be attempted")
			return nil
		},
	}})
	assert.Equal(t, context.Canceled, errors.RootCause(err))
}
