package template

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"coupon-service/internal/models"
)

// Key is the template key: product line, category and creation day.
func Key(productLine models.ProductLine, category models.CouponCategory, created time.Time) string {
	return strconv.Itoa(int(productLine)) + string(category) + created.Format("20060102")
}

// GenerateCodes returns count distinct 18 character codes. Each code is the
// product line and category, a shuffle of the creation date as yyMMdd, one
// digit from 1 to 9 and seven random digits.
func GenerateCodes(productLine models.ProductLine, category models.CouponCategory, created time.Time, count int) []string {
	prefix := strconv.Itoa(int(productLine)) + string(category)
	date := []byte(created.Format("060102"))

	seen := make(map[string]struct{}, count)
	codes := make([]string, 0, count)
	for len(codes) < count {
		code := prefix + suffix(date)
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes
}

func suffix(date []byte) string {
	mid := make([]byte, len(date))
	copy(mid, date)
	rand.Shuffle(len(mid), func(i, j int) { mid[i], mid[j] = mid[j], mid[i] })

	var b strings.Builder
	b.Grow(len(mid) + 8)
	b.Write(mid)
	b.WriteByte(byte('1' + rand.IntN(9)))
	for i := 0; i < 7; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}
