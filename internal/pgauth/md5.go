package pgauth

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5Password computes PostgreSQL's "md5" + md5(md5(password+user) + salt)
// password hash, used by both the backend-facing dial (proxy as client)
// and the client-facing challenge (proxy as server).
func MD5Password(password, user string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
