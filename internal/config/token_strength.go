package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// weakTokenScore is the zxcvbn score (0-4) below which an admin token is
// reported as weak at startup.
const weakTokenScore = 3

// tokenDictionary lists the words a guesser would try first against this
// service.
var tokenDictionary = []string{"edge", "edgecoord", "coordinator", "admin", "optimize"}

// TokenScore returns the zxcvbn score of token, from 0 (trivial) to 4.
func TokenScore(token string) int {
	return zxcvbn.PasswordStrength(token, tokenDictionary).Score
}

// IsWeakToken reports whether a configured admin token is guessable. An
// empty token disables auth and is not judged here.
func IsWeakToken(token string) bool {
	return token != "" && TokenScore(token) < weakTokenScore
}
