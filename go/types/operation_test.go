package types

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contestms/grading/go/testutils/unittest"
)

func TestOperationKey(t *testing.T) {
	unittest.SmallTest(t)
	a := Operation{Kind: OPERATION_EVALUATION, ObjectID: 1, DatasetID: 2, TestcaseCodename: "t1"}
	b := Operation{Kind: OPERATION_EVALUATION, ObjectID: 1, DatasetID: 2, TestcaseCodename: "t1"}
	c := Operation{Kind: OPERATION_EVALUATION, ObjectID: 1, DatasetID: 2, TestcaseCodename: "t2"}
	d := Operation{Kind: OPERATION_COMPILATION, ObjectID: 1, DatasetID: 2}

	require.Equal(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
	require.NotEqual(t, a.Key(), d.Key())
}

func TestOperationKindValid(t *testing.T) {
	unittest.SmallTest(t)
	for _, k := range ValidOperationKinds {
		require.True(t, k.Valid())
	}
	require.False(t, OperationKind("scoring").Valid())
}

func TestPriorityForOperation(t *testing.T) {
	unittest.SmallTest(t)
	require.Equal(t, PRIORITY_HIGH, PriorityForOperation(OPERATION_COMPILATION, 0))
	require.Equal(t, PRIORITY_MEDIUM, PriorityForOperation(OPERATION_EVALUATION, 0))
	require.Equal(t, PRIORITY_HIGH, PriorityForOperation(OPERATION_USER_TEST_COMPILATION, 0))
	require.Equal(t, PRIORITY_HIGH, PriorityForOperation(OPERATION_USER_TEST_EVALUATION, 0))

	// Retries demote one band each, saturating at LOW.
	require.Equal(t, PRIORITY_MEDIUM, PriorityForOperation(OPERATION_COMPILATION, 1))
	require.Equal(t, PRIORITY_LOW, PriorityForOperation(OPERATION_EVALUATION, 1))
	require.Equal(t, PRIORITY_LOW, PriorityForOperation(OPERATION_EVALUATION, 10))
}

func TestDigest(t *testing.T) {
	unittest.SmallTest(t)
	d := DigestOf([]byte("hello"))
	require.True(t, d.Valid())
	require.False(t, d.IsTombstone())
	require.Equal(t, d, DigestOf([]byte("hello")))
	require.NotEqual(t, d, DigestOf([]byte("world")))

	require.True(t, TombstoneDigest.Valid())
	require.True(t, TombstoneDigest.IsTombstone())
	require.False(t, Digest("nope").Valid())
}
