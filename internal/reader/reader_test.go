package reader_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fieldtrace/internal/crypto/tokenkey"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/reader"
	"github.com/and161185/fieldtrace/internal/reader/simradio"
)

var master = []byte("test-master-secret")

func newReader(t *testing.T, radio *simradio.Radio, opts reader.Options) *reader.Reader {
	t.Helper()
	c, err := reader.Negotiate(context.Background(), radio)
	require.NoError(t, err)
	opts.Logger = zaptest.NewLogger(t)
	r, err := reader.New(radio, c, opts)
	require.NoError(t, err)
	return r
}

func provisioned(t *testing.T, r *reader.Reader, radio *simradio.Radio) (model.TokenIdentity, model.DerivedSecret) {
	t.Helper()
	id := uuid.Must(uuid.NewV4())
	key, err := tokenkey.Derive(id, master)
	require.NoError(t, err)
	radio.Present(simradio.NewBlankCard([]byte{0x04, 0xA1, 0xB2, 0xC3}))
	require.NoError(t, r.Provision(context.Background(), id, key))
	return id, key
}

func TestNegotiate(t *testing.T) {
	t.Parallel()
	_, err := reader.Negotiate(context.Background(), nil)
	require.ErrorIs(t, err, errs.ErrReaderUnsupported)

	c, err := reader.Negotiate(context.Background(), simradio.New())
	require.NoError(t, err)
	require.Equal(t, "sim", c.Driver)
	require.True(t, c.Writable)

	_, err = reader.New(simradio.New(), reader.Capability{}, reader.Options{})
	require.ErrorIs(t, err, errs.ErrReaderUnsupported)
}

func TestReadLaborToken_ProvisionedToken(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	r := newReader(t, radio, reader.Options{})
	id, key := provisioned(t, r, radio)

	out, err := r.ReadLaborToken(context.Background(), &key)
	require.NoError(t, err)
	require.Equal(t, id, out.Plaintext)
	require.True(t, out.Authenticated)
	require.NotNil(t, out.Verified)
	require.Equal(t, id, *out.Verified)
	require.Equal(t, []byte{0x04, 0xA1, 0xB2, 0xC3}, out.UID)

	plain, err := r.ReadLaborToken(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, id, plain.Plaintext)
	require.False(t, plain.Authenticated)
	require.Nil(t, plain.Verified)
}

func TestReadLaborToken_WrongKeyIsNotAnError(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	r := newReader(t, radio, reader.Options{})
	id, _ := provisioned(t, r, radio)

	wrong, _ := tokenkey.Derive(id, []byte("other-master"))
	out, err := r.ReadLaborToken(context.Background(), &wrong)
	require.NoError(t, err)
	require.Equal(t, id, out.Plaintext)
	require.False(t, out.Authenticated)
	require.Nil(t, out.Verified)
}

func TestReadLaborToken_CopiedTokenFailsVerification(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	r := newReader(t, radio, reader.Options{})
	id, key := provisioned(t, r, radio)

	radio.Present(radio.Card().CopyReadable([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	out, err := r.ReadLaborToken(context.Background(), &key)
	require.NoError(t, err)
	require.Equal(t, id, out.Plaintext)
	require.False(t, out.Authenticated)
}

func TestReadBlock_ProtectedSectorRejectsFactoryKey(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	r := newReader(t, radio, reader.Options{})
	id, key := provisioned(t, r, radio)

	_, err := r.ReadBlock(context.Background(), reader.VerifyBlock, reader.FactoryKey)
	require.ErrorIs(t, err, errs.ErrAuthentication)

	b, err := r.ReadBlock(context.Background(), reader.ChecksumBlock, reader.KeyFromSecret(key))
	require.NoError(t, err)
	require.Equal(t, reader.Checksum(id, key), b)

	_, err = r.ReadBlock(context.Background(), 99, reader.FactoryKey)
	require.Error(t, err)
}

func TestWriteBlock_RoundTrip(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	r := newReader(t, radio, reader.Options{})
	radio.Present(simradio.NewBlankCard([]byte{1, 2, 3, 4}))

	data := reader.Block{0: 0xAB, 15: 0xCD}
	require.NoError(t, r.WriteBlock(context.Background(), 12, data, reader.FactoryKey))
	got, err := r.ReadBlock(context.Background(), 12, reader.FactoryKey)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestSession_NoTokenTimesOutAsTransport(t *testing.T) {
	t.Parallel()
	r := newReader(t, simradio.New(), reader.Options{TapTimeout: 20 * time.Millisecond})
	_, err := r.ReadUID(context.Background())
	require.ErrorIs(t, err, errs.ErrTransport)
}

func TestSession_CancelBeforeTap(t *testing.T) {
	t.Parallel()
	r := newReader(t, simradio.New(), reader.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.ReadUID(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSession_CancelAfterTapRunsToCompletion(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	r := newReader(t, radio, reader.Options{})
	id, key := provisioned(t, r, radio)
	radio.Latency = 15 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	out, err := r.ReadLaborToken(ctx, &key)
	require.NoError(t, err)
	require.True(t, out.Authenticated)
	require.Equal(t, id, out.Plaintext)
}

func TestSession_ReadTimeoutIsTransport(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	radio.Present(simradio.NewBlankCard([]byte{9, 9, 9, 9}))
	radio.Latency = 100 * time.Millisecond
	r := newReader(t, radio, reader.Options{ReadTimeout: 20 * time.Millisecond})

	_, err := r.ReadBlock(context.Background(), reader.PlaintextBlock, reader.FactoryKey)
	require.ErrorIs(t, err, errs.ErrTransport)
}

func TestSession_TransportFaultPropagates(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	radio.Present(simradio.NewBlankCard([]byte{9, 9, 9, 9}))
	r := newReader(t, radio, reader.Options{})

	radio.FailNext(errors.Join(errors.New("token removed"), errs.ErrTransport))
	_, err := r.ReadLaborToken(context.Background(), nil)
	require.ErrorIs(t, err, errs.ErrTransport)
	require.NotErrorIs(t, err, errs.ErrAuthentication)
}

func TestSession_ExclusiveRadio(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	radio.Present(simradio.NewBlankCard([]byte{7, 7, 7, 7}))
	radio.Latency = 40 * time.Millisecond
	r := newReader(t, radio, reader.Options{})

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		_, firstErr = r.ReadBlock(context.Background(), reader.PlaintextBlock, reader.FactoryKey)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.ReadUID(ctx)
	require.ErrorIs(t, err, errs.ErrReaderBusy)
	wg.Wait()
	require.NoError(t, firstErr)

	// slot released after the first sequence
	_, err = r.ReadUID(context.Background())
	require.NoError(t, err)
}

func TestWrite_RequiresWritableCapability(t *testing.T) {
	t.Parallel()
	radio := simradio.New()
	r, err := reader.New(radio, reader.Capability{Driver: "ro", Supported: true, KeyAuth: true}, reader.Options{})
	require.NoError(t, err)
	require.ErrorIs(t, r.WriteBlock(context.Background(), 2, reader.Block{}, reader.FactoryKey), errs.ErrReaderUnsupported)
	require.ErrorIs(t, r.Provision(context.Background(), uuid.Must(uuid.NewV4()), model.DerivedSecret{}), errs.ErrReaderUnsupported)
}

func TestOpenImage_PersistsWrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "card.json")

	radio, err := simradio.OpenImage(path)
	require.NoError(t, err)
	require.Nil(t, radio.Card())
	radio.Present(simradio.NewBlankCard([]byte{1, 1, 1, 1}))

	r := newReader(t, radio, reader.Options{})
	id := uuid.Must(uuid.NewV4())
	key, _ := tokenkey.Derive(id, master)
	require.NoError(t, r.Provision(context.Background(), id, key))

	again, err := simradio.OpenImage(path)
	require.NoError(t, err)
	require.NotNil(t, again.Card())
	r2 := newReader(t, again, reader.Options{})
	out, err := r2.ReadLaborToken(context.Background(), &key)
	require.NoError(t, err)
	require.True(t, out.Authenticated)
	require.Equal(t, id, out.Plaintext)
}

func TestLayout(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0, reader.SectorOf(reader.PlaintextBlock))
	require.Equal(t, 1, reader.SectorOf(reader.VerifyBlock))
	require.Equal(t, 2, reader.SectorOf(reader.ChecksumBlock))
	require.Equal(t, 7, reader.TrailerOf(reader.VerifyBlock))
	require.Equal(t, 11, reader.TrailerOf(reader.ChecksumBlock))
	require.True(t, reader.IsTrailer(3))
	require.False(t, reader.IsTrailer(4))
}
