package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestV1CommandRoundTrip(t *testing.T) {
	argv := [][]byte{[]byte("test"), []byte("foo"), []byte("hello world")}
	body, err := EncodeCommandV1(argv)
	require.NoError(t, err)

	got, err := DecodeCommandV1(body)
	require.NoError(t, err)
	assert.Equal(t, argv, got)
}

func TestV1ResponseRoundTrip(t *testing.T) {
	body := EncodeResponseV1(0, []byte("hello world\n"))
	status, output, err := DecodeResponseV1(body)
	require.NoError(t, err)
	assert.EqualValues(t, 0, status)
	assert.Equal(t, []byte("hello world\n"), output)
}

func TestV1CommandRejectsZeroArgc(t *testing.T) {
	_, err := EncodeCommandV1(nil)
	assert.Error(t, err)
}

func TestV2CommandSingleFragment(t *testing.T) {
	argv := [][]byte{[]byte("test"), []byte("foo"), []byte("hello")}
	fragments, err := EncodeCommand(argv, true, 65532)
	require.NoError(t, err)
	require.Len(t, fragments, 1)

	env, err := DecodeEnvelope(fragments[0])
	require.NoError(t, err)
	assert.Equal(t, MsgCommand, env.Type)

	frag, err := DecodeCommandFragment(env.Body)
	require.NoError(t, err)
	assert.Equal(t, ContinueComplete, frag.Continue)
	assert.True(t, frag.Keepalive)

	var r Reassembler
	got, keepalive, complete, err := r.Add(frag)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.True(t, keepalive)
	assert.Equal(t, argv, got)
}

func TestV2CommandFragmentedReassembly(t *testing.T) {
	arg := make([]byte, 200000)
	for i := range arg {
		arg[i] = byte(i % 251)
	}
	argv := [][]byte{[]byte("test"), []byte("cat"), arg}

	fragments, err := EncodeCommand(argv, false, 65532)
	require.NoError(t, err)
	require.Greater(t, len(fragments), 1)

	var r Reassembler
	var gotArgv [][]byte
	var complete bool
	for i, payload := range fragments {
		env, err := DecodeEnvelope(payload)
		require.NoError(t, err)
		frag, err := DecodeCommandFragment(env.Body)
		require.NoError(t, err)

		switch {
		case i == 0:
			assert.Equal(t, ContinueFirst, frag.Continue)
		case i == len(fragments)-1:
			assert.Equal(t, ContinueLast, frag.Continue)
		default:
			assert.Equal(t, ContinueMiddle, frag.Continue)
		}

		gotArgv, _, complete, err = r.Add(frag)
		require.NoError(t, err)
	}
	require.True(t, complete)
	require.Equal(t, argv, gotArgv)
}

func TestV2ReassemblerRejectsStandaloneAfterFirst(t *testing.T) {
	var r Reassembler
	_, _, _, err := r.Add(CommandFragment{Continue: ContinueFirst, Data: []byte{0, 0, 0, 1, 0, 0, 0, 1, 'x'}})
	require.NoError(t, err)

	_, _, _, err = r.Add(CommandFragment{Continue: ContinueComplete})
	assert.Error(t, err)
}

func TestOutputRoundTrip(t *testing.T) {
	body := EncodeOutput(2, []byte("stderr text"))
	env, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, MsgOutput, env.Type)

	stream, data, err := DecodeOutput(env.Body)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stream)
	assert.Equal(t, []byte("stderr text"), data)
}

func TestStatusRoundTrip(t *testing.T) {
	body := EncodeStatus(42)
	env, err := DecodeEnvelope(body)
	require.NoError(t, err)
	status, err := DecodeStatus(env.Body)
	require.NoError(t, err)
	assert.EqualValues(t, 42, status)
}

func TestErrorRoundTrip(t *testing.T) {
	body := EncodeError(ErrorAccess, []byte("Access denied"))
	env, err := DecodeEnvelope(body)
	require.NoError(t, err)
	code, msg, err := DecodeError(env.Body)
	require.NoError(t, err)
	assert.Equal(t, ErrorAccess, code)
	assert.Equal(t, "Access denied", string(msg))
}

func TestVersionRoundTrip(t *testing.T) {
	body := EncodeVersion(2)
	env, err := DecodeEnvelope(body)
	require.NoError(t, err)
	v, err := DecodeVersion(env.Body)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}
