package slayers

import (
	"bytes"
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestExportRowsFromMembers(t *testing.T) {
	t.Parallel()

	members := []Member{
		{UserID: "1", Username: "zed", Nickname: "zed | 9"},
		{UserID: "2", Username: "jon", Nickname: "Jon Snow | 1"},
		{UserID: "3", Username: "hodor", Nickname: "hodor"},
		{UserID: "4", Username: "arya"},
		{UserID: "5", Username: "jon2", Nickname: "Jon Snow | 0"},
	}
	assert.Equal(
		t,
		[]ExportRow{
			{Name: "Jon Snow", ID: "0", DiscordTag: "jon2"},
			{Name: "Jon Snow", ID: "1", DiscordTag: "jon"},
			{Name: "zed", ID: "9", DiscordTag: "zed"},
		},
		ExportRowsFromMembers(members),
	)
	assert.Empty(t, ExportRowsFromMembers(nil))
}

func TestWriteExportCSV(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	err := WriteExportCSV(
		buf,
		[]ExportRow{
			{Name: "Jon Snow", ID: "1", DiscordTag: "jon"},
			{Name: "Mary-Jane", ID: "2", DiscordTag: "mj, the \"great\""},
		},
	)
	require.NoError(t, err)
	assert.Equal(
		t,
		"NAME,ID,DISCORD_TAG\n"+
			"Jon Snow,1,jon\n"+
			"Mary-Jane,2,\"mj, the \"\"great\"\"\"\n",
		buf.String(),
	)

	buf.Reset()
	require.NoError(t, WriteExportCSV(buf, nil))
	assert.Equal(t, "NAME,ID,DISCORD_TAG\n", buf.String())
}

type failingLister struct {
	*MemoryStore
}

func (failingLister) ListMembers(context.Context) ([]MemberRecord, error) {
	return nil, errors.New("connection refused")
}

func TestExportRegistry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestGormStore(t)

	for _, r := range []MemberRecord{
		{SubmitterID: "100", Name: "Jon Snow", GameID: "1", Username: "jon"},
		{SubmitterID: "101", Name: "arya", GameID: "2", Username: "arya"},
	} {
		require.NoError(t, store.SaveMember(ctx, r))
	}

	buf := &bytes.Buffer{}
	n, err := ExportRegistry(ctx, store, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(
		t,
		"NAME,ID,DISCORD_TAG\narya,2,arya\nJon Snow,1,jon\n",
		buf.String(),
	)

	_, err = ExportRegistry(ctx, failingLister{NewMemoryStore()}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "connection refused")
}
