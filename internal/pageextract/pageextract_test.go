package pageextract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountPages_RejectsNonPDFBytes(t *testing.T) {
	_, err := CountPages([]byte("this is not a pdf"))
	require.Error(t, err)
}

func TestCountPagesFrom_RejectsEmptyReader(t *testing.T) {
	_, err := CountPagesFrom(strings.NewReader(""))
	require.Error(t, err)
}
