package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("삼성전자 3분기 영업이익 발표", "영업이익이 전년 대비 증가했다")
	b := Fingerprint("삼성전자 3분기 영업이익 발표", "영업이익이 전년 대비 증가했다")
	assert.Equal(t, a, b)
}

func TestFingerprint_NearDuplicatesCloserThanUnrelated(t *testing.T) {
	base := "삼성전자 3분기 영업이익 10조 돌파 반도체 부문 회복이 실적을 견인했다 메모리 가격 상승과 파운드리 수주 확대가 배경으로 꼽힌다"
	rewrite := base + " 밝혔다"
	unrelated := "국제 유가 급락에 정유주 일제히 약세 WTI 선물이 큰 폭 하락 마감하며 정제 마진 우려가 커졌다"

	a := Fingerprint("삼성전자 실적", base)
	b := Fingerprint("삼성전자 실적", rewrite)
	c := Fingerprint("정유주 약세", unrelated)
	assert.Less(t, HammingDistance(a, b), HammingDistance(a, c))
}

func TestFingerprint_DistinctTitlesAreFar(t *testing.T) {
	a := Fingerprint("삼성전자 자사주 매입 결정", "이사회가 자사주 매입을 의결했다")
	b := Fingerprint("국제 유가 급락에 정유주 약세", "WTI 선물이 5% 하락 마감했다")
	assert.Greater(t, HammingDistance(a, b), 3)
}

func TestHammingDistance(t *testing.T) {
	assert.Equal(t, 0, HammingDistance(0, 0))
	assert.Equal(t, 1, HammingDistance(0, 1))
	assert.Equal(t, 64, HammingDistance(0, -1))
	assert.Equal(t, 2, HammingDistance(0b1010, 0b0110))
}

func TestBands_Pigeonhole(t *testing.T) {
	// Within distance 3, at most three bands can differ, so the pair must
	// share at least one.
	fp := Fingerprint("현대차 미국 공장 증설", "조지아 공장 생산 능력을 확대한다")
	flipped := fp ^ (1 << 2) ^ (1 << 20) ^ (1 << 40)

	a, b := Bands(fp), Bands(flipped)
	shared := 0
	for i := range a {
		if a[i] == b[i] {
			shared++
		}
	}
	assert.GreaterOrEqual(t, shared, 1)
}

func TestBands_CoverWholeFingerprint(t *testing.T) {
	fp := int64(0x1234_5678_9ABC_DEF0)
	b := Bands(fp)
	assert.Equal(t, uint16(0xDEF0), b[0])
	assert.Equal(t, uint16(0x9ABC), b[1])
	assert.Equal(t, uint16(0x5678), b[2])
	assert.Equal(t, uint16(0x1234), b[3])
}
