package complexity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze_SimpleQuery(t *testing.T) {
	assert.Equal(t, 1, Analyze("what is the capital of France"))
}

func TestAnalyze_ComparisonBumpsDepth(t *testing.T) {
	assert.Equal(t, 2, Analyze("compare two approaches"))
}

func TestAnalyze_MultiStepWordsBumpDepth(t *testing.T) {
	depth := Analyze("design and build a comprehensive system architecture")
	assert.GreaterOrEqual(t, depth, 4)
}

func TestAnalyze_CappedAtAbsoluteMax(t *testing.T) {
	q := "plan design create build develop comprehensive complete detailed step-by-step workflow process strategy roadmap architecture system compare analyze evaluate assess review investigate research study examine and also and also and also"
	assert.Equal(t, 5, Analyze(q))
}

func TestAnalyze_LongQueryBumpsScore(t *testing.T) {
	short := Analyze("tell me something")
	long := Analyze(strings_repeatWords("word", 25))
	assert.GreaterOrEqual(t, long, short)
}

func strings_repeatWords(w string, n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += w + " "
	}
	return s
}
