package config

import "github.com/joho/godotenv"

// LoadEnv loads a .env file from the working directory into the process
// environment without overriding variables that are already set. Callers
// decide whether a missing file (os.IsNotExist) is fatal.
func LoadEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}
