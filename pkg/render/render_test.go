package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpand(t *testing.T) {
	input := map[string]any{
		"words":  []any{"a", "b", "c"},
		"single": "x.bam",
		"count":  float64(4),
		"flag":   true,
		"empty":  []any{},
		"names":  []string{"n1", "n2"},
	}

	tests := []struct {
		name     string
		template string
		expected string
		matched  bool
	}{
		{
			name:     "sep joins a sequence",
			template: "tool --in ${sep=',' words} --out o",
			expected: "tool --in a,b,c --out o",
			matched:  true,
		},
		{
			name:     "double quoted delimiter",
			template: `cat ${sep=" " words}`,
			expected: "cat a b c",
			matched:  true,
		},
		{
			name:     "multi character delimiter",
			template: "${sep=' -I ' words}",
			expected: "a -I b -I c",
			matched:  true,
		},
		{
			name:     "sep wraps a scalar",
			template: "${sep=',' single}",
			expected: "x.bam",
			matched:  true,
		},
		{
			name:     "plain scalar",
			template: "samtools index ${single}",
			expected: "samtools index x.bam",
			matched:  true,
		},
		{
			name:     "plain sequence joined by space",
			template: "ls ${words}",
			expected: "ls a b c",
			matched:  true,
		},
		{
			name:     "string slice value",
			template: "${sep=':' names}",
			expected: "n1:n2",
			matched:  true,
		},
		{
			name:     "number and bool",
			template: "run -t ${count} -v ${flag}",
			expected: "run -t 4 -v true",
			matched:  true,
		},
		{
			name:     "absent name renders empty",
			template: "echo [${missing}]",
			expected: "echo []",
			matched:  true,
		},
		{
			name:     "empty sequence",
			template: "echo [${sep=',' empty}]",
			expected: "echo []",
			matched:  true,
		},
		{
			name:     "repeated placeholder replaced per occurrence",
			template: "${single} ${single}",
			expected: "x.bam x.bam",
			matched:  true,
		},
		{
			name:     "no placeholder",
			template: "run.sh --fast",
			expected: "run.sh --fast",
			matched:  false,
		},
		{
			name:     "shell variable without braces is untouched",
			template: "echo $HOME",
			expected: "echo $HOME",
			matched:  false,
		},
		{
			name:     "unbalanced placeholder stays literal",
			template: "echo ${single",
			expected: "echo ${single",
			matched:  false,
		},
		{
			name:     "unbalanced before a valid one",
			template: "echo ${ ${single}",
			expected: "echo ${ x.bam",
			matched:  true,
		},
		{
			name:     "sep without blank is not a placeholder",
			template: "${sep=','words}",
			expected: "${sep=','words}",
			matched:  false,
		},
		{
			name:     "unterminated delimiter",
			template: "${sep=', words}",
			expected: "${sep=', words}",
			matched:  false,
		},
		{
			name:     "dollar dollar",
			template: "$${single}",
			expected: "$x.bam",
			matched:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, matched := Expand(tt.template, input)
			assert.Equal(t, tt.expected, result)
			assert.Equal(t, tt.matched, matched)
		})
	}
}

func TestRender_PathPrefix(t *testing.T) {
	r := NewRenderer("/jt/workflow/tools")

	cmd := r.Render("bwa mem ${ref}", map[string]any{"ref": "hg38.fa"}, `{"command": "bwa mem ${ref}"}`)
	assert.Equal(t, "PATH=/jt/workflow/tools:$PATH bwa mem hg38.fa", cmd)
}

func TestRender_LegacyAppendsTaskJSON(t *testing.T) {
	r := NewRenderer("/tools")
	taskJSON := `{"command": "legacy.py", "input": {"x": "$1"}}`

	cmd := r.Render("legacy.py", map[string]any{"x": "$1"}, taskJSON)

	assert.Equal(t, `PATH=/tools:$PATH legacy.py "{\"command\": \"legacy.py\", \"input\": {\"x\": \"\$1\"}}"`, cmd)
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{``, `""`},
		{`plain`, `"plain"`},
		{`a"b`, `"a\"b"`},
		{`back\slash`, `"back\\slash"`},
		{"`id`", "\"\\`id\\`\""},
		{`$(rm)`, `"\$(rm)"`},
		{`it's`, `"it's"`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in), "Quote(%q)", tt.in)
	}
}

func TestExpand_LocalPathsAreStable(t *testing.T) {
	staged := map[string]any{"reads": []any{"/jt/job.1/data/a.bam", "/jt/job.1/data/b.bam"}}

	first, _ := Expand("merge ${sep=' ' reads}", staged)
	second, _ := Expand("merge ${sep=' ' reads}", staged)
	assert.Equal(t, first, second)
	assert.Equal(t, "merge /jt/job.1/data/a.bam /jt/job.1/data/b.bam", first)
}
