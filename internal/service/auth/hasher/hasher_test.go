package hasher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// Cheap parameters, tests don't need to burn CPU
var testArgon2Params = Argon2Params{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func Test_New(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scheme   string
		expected Hasher
	}{
		{scheme: "", expected: Bcrypt{}},
		{scheme: SchemeBcrypt, expected: Bcrypt{}},
		{scheme: SchemeArgon2id, expected: Argon2id{}},
	}

	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			h, err := New(tt.scheme)

			require.NoError(t, err)
			require.Equal(t, tt.expected, h)
		})
	}

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := New("md5")

		require.Error(t, err)
	})
}

func Test_Hashers(t *testing.T) {
	t.Parallel()

	hashers := map[string]Hasher{
		"bcrypt":   Bcrypt{Cost: bcrypt.MinCost},
		"argon2id": Argon2id{Params: testArgon2Params},
	}

	for name, h := range hashers {
		t.Run(name, func(t *testing.T) {
			t.Run("compare ok", func(t *testing.T) {
				hash, err := h.Hash("password")
				require.NoError(t, err)

				require.NoError(t, h.Compare(hash, "password"))
			})

			t.Run("fail compare if wrong secret", func(t *testing.T) {
				hash, err := h.Hash("password")
				require.NoError(t, err)

				require.Error(t, h.Compare(hash, "wrong"))
			})

			t.Run("hash is salted", func(t *testing.T) {
				first, err := h.Hash("password")
				require.NoError(t, err)
				second, err := h.Hash("password")
				require.NoError(t, err)

				require.NotEqual(t, first, second, "same secret must give different hashes")
			})

			t.Run("long secrets sharing prefix differ", func(t *testing.T) {
				prefix := strings.Repeat("a", 100)
				hash, err := h.Hash(prefix + "first")
				require.NoError(t, err)

				require.NoError(t, h.Compare(hash, prefix+"first"), "same long secret must match")
				require.Error(t, h.Compare(hash, prefix+"second"), "secret differs after 72 bytes and must not match")
			})

			t.Run("malformed hash does not panic", func(t *testing.T) {
				for _, malformed := range []string{"", "not-a-hash", "$argon2id$v=19$m=0,t=0,p=0$$", "$2a$10$short"} {
					require.NotPanics(t, func() {
						require.Error(t, h.Compare(malformed, "password"))
					})
				}
			})
		})
	}
}

func Test_Bcrypt(t *testing.T) {
	t.Parallel()

	hash, err := Bcrypt{}.Hash("password")
	require.NoError(t, err)

	require.Len(t, hash, 60, "bcrypt length is 60 letters")
	require.Equal(t, "$2a$", hash[:4], "bcrypt hash should have prefix '$2a$'")

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	require.Equal(t, bcrypt.DefaultCost, cost, "zero cost means default one")
}

func Test_Argon2id(t *testing.T) {
	t.Parallel()

	hash, err := Argon2id{Params: testArgon2Params}.Hash("password")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"), "unexpected PHC string: %s", hash)

	// Params are taken from the hash itself, so hasher with other params still verifies
	require.NoError(t, Argon2id{}.Compare(hash, "password"))
}
