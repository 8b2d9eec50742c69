package llm

import (
	"testing"

	"github.com/ykiprep/kielibot/internal/model"
)

func TestNormalizeEvaluation(t *testing.T) {
	tests := []struct {
		name string
		in   Evaluation
		want Evaluation
	}{
		{
			"accepted in range",
			Evaluation{Accepted: true, Grade: 4, Reason: "off_topic"},
			Evaluation{Accepted: true, Grade: 4, Reason: ""},
		},
		{
			"accepted above scale",
			Evaluation{Accepted: true, Grade: 9},
			Evaluation{Accepted: true, Grade: 6},
		},
		{
			"accepted below scale",
			Evaluation{Accepted: true, Grade: -2},
			Evaluation{Accepted: true, Grade: 0},
		},
		{
			"rejected keeps known reason",
			Evaluation{Accepted: false, Grade: 3, Reason: model.RejectOffTopic},
			Evaluation{Accepted: false, Grade: 0, Reason: model.RejectOffTopic},
		},
		{
			"rejected wrong language",
			Evaluation{Accepted: false, Reason: model.RejectNotTargetLanguage},
			Evaluation{Accepted: false, Grade: 0, Reason: model.RejectNotTargetLanguage},
		},
		{
			"rejected unknown reason becomes other",
			Evaluation{Accepted: false, Reason: "gibberish"},
			Evaluation{Accepted: false, Grade: 0, Reason: model.RejectOther},
		},
		{
			"rejected empty reason becomes other",
			Evaluation{Accepted: false},
			Evaluation{Accepted: false, Grade: 0, Reason: model.RejectOther},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.in
			normalizeEvaluation(&ev)
			if ev != tt.want {
				t.Errorf("normalizeEvaluation(%+v) = %+v, want %+v", tt.in, ev, tt.want)
			}
		})
	}
}
