package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

func TestFIFOReplacer(t *testing.T) {
	r := NewFIFOReplacer()

	_, err := r.ChooseVictim()
	require.ErrorIs(t, err, ErrNoVictimAvailable)

	for i := range common.PageID(3) {
		r.Admit(pageOf(1, i))
	}
	assert.Equal(t, uint64(3), r.GetSize())

	victim, err := r.ChooseVictim()
	require.NoError(t, err)
	assert.Equal(t, pageOf(1, 0), victim)

	r.Remove(pageOf(1, 1))
	r.Remove(pageOf(1, 1))
	r.Admit(pageOf(1, 1))
	assert.Equal(
		t,
		[]common.PageIdentity{pageOf(1, 0), pageOf(1, 2), pageOf(1, 1)},
		r.Order(),
	)

	assert.Panics(t, func() { r.Admit(pageOf(1, 2)) })
}
