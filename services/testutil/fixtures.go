package testutil

import (
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/auth"
)

const (
	DemoActor  = "user-demo"
	AdminActor = "admin-alice"
	// SecondAdminActor lets tests satisfy four-eyes approval.
	SecondAdminActor = "admin-bob"
	ThirdAdminActor  = "admin-carol"
)

func GenerateJWT(subject string, secret []byte, ttl time.Duration) (string, error) {
	return auth.IssueToken(secret, subject, []string{"user"}, ttl)
}

func GenerateAdminJWT(subject string, secret []byte, ttl time.Duration) (string, error) {
	return auth.IssueToken(secret, subject, []string{"user", auth.RoleAdmin}, ttl)
}
