package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewsCSV = `id,text,rating
1,"Great product!",1
2,great value,1
3,Terrible. Broke quickly,0
4,great great,1
5,broke,0
`

func TestPrepareLabelFirst(t *testing.T) {
	p, err := Prepare(loadChurn(t), PrepareOptions{Label: "churn", Drop: []string{"state"}, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, 4, p.Train.Len())
	assert.Equal(t, 1, p.Validation.Len())
	assert.Equal(t, []string{"churn", "account_length", "intl_plan"}, p.Train.Header)
	assert.Equal(t, p.Train.Header, p.Validation.Header)
	assert.Nil(t, p.Vocab)

	ch := p.Channels()
	assert.Same(t, p.Train, ch["train"])
	assert.Same(t, p.Validation, ch["validation"])
}

func TestPrepareTokenizeAndEncode(t *testing.T) {
	tbl, err := ReadCSV(strings.NewReader(reviewsCSV), true)
	require.NoError(t, err)

	p, err := Prepare(tbl, PrepareOptions{
		Label:         "rating",
		Drop:          []string{"id"},
		TextColumn:    "text",
		Tokenizer:     TokenizerOptions{Lowercase: true, StripPunct: true},
		VocabMinCount: 1,
		Ratio:         0.6,
		Seed:          42,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Train.Len())
	assert.Equal(t, 2, p.Validation.Len())
	assert.Equal(t, []string{"rating", "text"}, p.Train.Header)
	require.NotEmpty(t, p.Vocab)

	// 训练集中的文本全部编码为非零 id
	for _, row := range p.Train.Rows {
		for _, id := range strings.Fields(row[1]) {
			assert.NotEqual(t, "0", id, row)
		}
	}

	again, err := Prepare(tbl, PrepareOptions{
		Label: "rating", Drop: []string{"id"}, TextColumn: "text",
		Tokenizer: TokenizerOptions{Lowercase: true, StripPunct: true}, VocabMinCount: 1,
		Ratio: 0.6, Seed: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, p.Train.Rows, again.Train.Rows)
}

func TestPrepareErrors(t *testing.T) {
	_, err := Prepare(loadChurn(t), PrepareOptions{Label: "missing"})
	assert.Error(t, err)

	headerless := &Table{Rows: [][]string{{"1", "a"}, {"0", "b"}, {"1", "c"}}}
	_, err = Prepare(headerless, PrepareOptions{LabelIndex: 5})
	assert.Error(t, err)

	p, err := Prepare(headerless, PrepareOptions{LabelIndex: 1, Ratio: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Train.Len()+p.Validation.Len())

	_, err = Prepare(loadChurn(t), PrepareOptions{Label: "churn", Ratio: 1.5})
	assert.Error(t, err)

	hashed, err := Prepare(loadChurn(t), PrepareOptions{Label: "churn", HashKey: "account_length"})
	require.NoError(t, err)
	assert.Equal(t, 5, hashed.Train.Len()+hashed.Validation.Len())
}

func TestPrepareLabelIndexWithDrop(t *testing.T) {
	tbl, err := ReadCSV(strings.NewReader("id,feat,label\n1,a,0\n2,b,1\n3,c,0\n4,d,1\n"), true)
	require.NoError(t, err)

	p, err := Prepare(tbl, PrepareOptions{LabelIndex: 2, Drop: []string{"id"}, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"label", "feat"}, p.Train.Header)
	assert.Equal(t, []string{"label", "feat"}, p.Validation.Header)

	p, err = Prepare(tbl, PrepareOptions{LabelIndex: 1, Drop: []string{"id"}, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"feat", "label"}, p.Train.Header)

	_, err = Prepare(tbl, PrepareOptions{LabelIndex: 0, Drop: []string{"id"}})
	assert.Error(t, err)
}

func TestPrepareSmallHeaderless(t *testing.T) {
	tbl, err := ReadCSV(strings.NewReader("1,a,b\n0,c,d\n"), false)
	require.NoError(t, err)

	p, err := Prepare(tbl, PrepareOptions{LabelIndex: 0, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Train.Len())
	assert.Equal(t, 0, p.Validation.Len())

	one := &Table{Rows: [][]string{{"a", "1"}}}
	p, err = Prepare(one, PrepareOptions{LabelIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "a"}}, p.Train.Rows)
	assert.Equal(t, 0, p.Validation.Len())
}
