package digest_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/stratum/internal/digest"
)

func TestParseHexRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		algo   digest.Algorithm
		suffix byte
	}{
		{name: "md5", algo: digest.MD5},
		{name: "sha1", algo: digest.SHA1},
		{name: "rmd160", algo: digest.RMD160},
		{name: "shake128", algo: digest.Shake128},
		{name: "sha1 with catalog suffix", algo: digest.SHA1, suffix: digest.SuffixCatalog},
		{name: "rmd160 with history suffix", algo: digest.RMD160, suffix: digest.SuffixHistory},
		{name: "shake128 with certificate suffix", algo: digest.Shake128, suffix: digest.SuffixCertificate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := digest.HashMem([]byte("some content"), tt.algo).WithSuffix(tt.suffix)

			parsed, err := digest.ParseHex(d.StringWithSuffix())
			require.NoError(t, err)
			assert.Equal(t, d, parsed)

			// Without the suffix the payload still round-trips.
			bare, err := digest.ParseHex(d.String())
			require.NoError(t, err)
			assert.True(t, bare.Equal(d))
		})
	}
}

func TestParseHexRejectsMalformed(t *testing.T) {
	t.Parallel()

	valid := digest.HashMem([]byte("x"), digest.SHA1).String()

	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "odd hex length", input: valid[:39]},
		{name: "uppercase hex", input: strings.ToUpper(valid)},
		{name: "unknown length", input: valid[:36]},
		{name: "hex digit as suffix", input: valid + "a"},
		{name: "two suffix characters", input: valid + "CX"},
		{name: "algorithm id on md5 length", input: strings.Repeat("ab", 16) + "-rmd160"},
		{name: "truncated algorithm id", input: valid + "-rmd16"},
		{name: "control character suffix", input: valid + "\x01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := digest.ParseHex(tt.input)
			assert.ErrorIs(t, err, digest.ErrMalformed)
		})
	}
}

func TestFormatAlgorithmIDs(t *testing.T) {
	t.Parallel()

	md5 := digest.HashMem(nil, digest.MD5)
	assert.Len(t, md5.String(), 32)

	sha1 := digest.HashMem(nil, digest.SHA1)
	assert.Len(t, sha1.String(), 40)

	rmd := digest.HashMem(nil, digest.RMD160)
	assert.True(t, strings.HasSuffix(rmd.String(), "-rmd160"))

	shake := digest.HashMem(nil, digest.Shake128)
	assert.True(t, strings.HasSuffix(shake.String(), "-shake128"))
}

func TestHashMemKnownVectors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		algo digest.Algorithm
		in   string
		want string
	}{
		{name: "md5 abc", algo: digest.MD5, in: "abc", want: "900150983cd24fb0d6963f7d28e17f72"},
		{name: "md5 empty", algo: digest.MD5, in: "", want: "d41d8cd98f00b204e9800998ecf8427e"},
		{name: "sha1 abc", algo: digest.SHA1, in: "abc", want: "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{name: "rmd160 abc", algo: digest.RMD160, in: "abc", want: "8eb208f7e05d987a9b044a8e98c6b087f15a0bfc-rmd160"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, digest.HashMem([]byte(tt.in), tt.algo).String())
		})
	}
}

func TestShake128SqueezeLength(t *testing.T) {
	t.Parallel()

	d := digest.HashMem([]byte("abc"), digest.Shake128)
	assert.Len(t, d.Payload(), 20)

	// Hashing twice is deterministic.
	assert.Equal(t, d, digest.HashMem([]byte("abc"), digest.Shake128))
	assert.NotEqual(t, d.Payload(), digest.HashMem([]byte("abd"), digest.Shake128).Payload())
}

func TestEqualityIgnoresSuffix(t *testing.T) {
	t.Parallel()

	d := digest.HashMem([]byte("content"), digest.SHA1)
	withSuffix := d.WithSuffix(digest.SuffixCatalog)

	assert.True(t, d.Equal(withSuffix))
	assert.NotEqual(t, d.StringWithSuffix(), withSuffix.StringWithSuffix())
	assert.Equal(t, d.String(), withSuffix.String())
}

func TestHMACReferenceVectors(t *testing.T) {
	t.Parallel()

	// RFC 2202 test cases 1 and 2.
	tests := []struct {
		name string
		algo digest.Algorithm
		key  []byte
		data string
		want string
	}{
		{
			name: "md5 case 1",
			algo: digest.MD5,
			key:  bytes.Repeat([]byte{0x0b}, 16),
			data: "Hi There",
			want: "9294727a3638bb1c13f48ef8158bfc9d",
		},
		{
			name: "md5 case 2",
			algo: digest.MD5,
			key:  []byte("Jefe"),
			data: "what do ya want for nothing?",
			want: "750c783e6ab0b503eaa86e310a5db738",
		},
		{
			name: "sha1 case 1",
			algo: digest.SHA1,
			key:  bytes.Repeat([]byte{0x0b}, 20),
			data: "Hi There",
			want: "b617318655057264e28bc0b6fb378c8ef146be00",
		},
		{
			name: "sha1 case 2",
			algo: digest.SHA1,
			key:  []byte("Jefe"),
			data: "what do ya want for nothing?",
			want: "effcdf6ae5eb2fa2d27416d5f184df9c259a7c79",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := digest.HMAC(tt.key, []byte(tt.data), tt.algo)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestHMACLongKeyIsHashedDown(t *testing.T) {
	t.Parallel()

	longKey := bytes.Repeat([]byte{0xaa}, 200)
	short := digest.HashMem(longKey, digest.SHA1).Payload()

	assert.Equal(t,
		digest.HMAC(short, []byte("data"), digest.SHA1),
		digest.HMAC(longKey, []byte("data"), digest.SHA1))
}

func TestHMACSha256(t *testing.T) {
	t.Parallel()

	// RFC 4231 test case 2.
	hex := digest.HMACSha256([]byte("Jefe"), []byte("what do ya want for nothing?"), false)
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", hex)

	raw := digest.HMACSha256([]byte("Jefe"), []byte("what do ya want for nothing?"), true)
	assert.Len(t, raw, 32)
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blob")
	content := bytes.Repeat([]byte("stratum"), 5000) // spans several read chunks
	require.NoError(t, os.WriteFile(path, content, 0600))

	d, err := digest.HashFile(path, digest.SHA1)
	require.NoError(t, err)
	assert.Equal(t, digest.HashMem(content, digest.SHA1), d)

	_, err = digest.HashFile(filepath.Join(t.TempDir(), "missing"), digest.SHA1)
	assert.Error(t, err)
}

func TestPathDigest(t *testing.T) {
	t.Parallel()

	d := digest.PathDigest("/srv/repo/data")
	assert.Equal(t, digest.HashMem([]byte("/srv/repo/data"), digest.MD5), d)
	assert.Equal(t, digest.MD5, d.Algorithm)
}

func TestNullDigest(t *testing.T) {
	t.Parallel()

	var d digest.Digest
	assert.True(t, d.IsNull())
	assert.False(t, digest.HashMem([]byte("x"), digest.SHA1).IsNull())
}

func TestNewValidatesPayloadLength(t *testing.T) {
	t.Parallel()

	_, err := digest.New(digest.SHA1, make([]byte, 16), digest.SuffixNone)
	assert.Error(t, err)

	d, err := digest.New(digest.MD5, make([]byte, 16), digest.SuffixNone)
	require.NoError(t, err)
	assert.Equal(t, digest.MD5, d.Algorithm)
}
