package identity

import (
	"os"
	"strconv"
)

// Config holds registry and credential configuration.
type Config struct {
	// UsersFile is the JSON registry keyed by user id.
	UsersFile string
	// AdminUsername and AdminPassword form the administrator pair. An empty
	// password disables administrator login.
	AdminUsername string
	AdminPassword string
	// HashAlgorithm is bcrypt or argon2.
	HashAlgorithm string
	BcryptCost    int
	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
	// MaxIDAttempts bounds random id draws before the sequential scan.
	MaxIDAttempts int
}

func LoadConfig() Config {
	return Config{
		UsersFile:     getenv("USERS_FILE", "data/users.json"),
		AdminUsername: getenv("ADMIN_USERNAME", AdminID),
		AdminPassword: getenv("ADMIN_PASSWORD", ""),
		HashAlgorithm: getenv("PASSWORD_HASH_ALGORITHM", string(AlgorithmBcrypt)),
		BcryptCost:    getInt("PASSWORD_BCRYPT_COST", 12),
		Argon2Time:    uint32(getInt("PASSWORD_ARGON2_TIME", 1)),
		Argon2Memory:  uint32(getInt("PASSWORD_ARGON2_MEMORY", 64*1024)),
		Argon2Threads: uint8(getInt("PASSWORD_ARGON2_THREADS", 4)),
		MaxIDAttempts: getInt("USER_ID_MAX_ATTEMPTS", 100000),
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
