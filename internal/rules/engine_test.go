package rules_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/JonMunkholm/finimport/internal/rules"
	"github.com/JonMunkholm/finimport/internal/rules/mocks"
)

func TestEngine_Categorize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	userID := uuid.New()
	category := uuid.New()
	stored := []rules.Rule{{
		ID:         uuid.New(),
		UserID:     userID,
		CategoryID: category,
		Field:      rules.FieldDescription,
		Pattern:    "кофе",
		IsActive:   true,
		CreatedAt:  time.Now(),
	}}

	tests := []struct {
		name      string
		input     rules.Input
		setup     func(src *mocks.MockSource)
		want      uuid.UUID
		wantMatch bool
		wantErr   bool
	}{
		{
			name:  "matching rule",
			input: rules.Input{Description: "Кофе Хауз"},
			setup: func(src *mocks.MockSource) {
				src.EXPECT().ListRules(gomock.Any(), userID).Return(stored, nil)
			},
			want:      category,
			wantMatch: true,
		},
		{
			name:  "no match",
			input: rules.Input{Description: "Taxi"},
			setup: func(src *mocks.MockSource) {
				src.EXPECT().ListRules(gomock.Any(), userID).Return(stored, nil)
			},
		},
		{
			name:  "empty input does not load rules",
			input: rules.Input{},
			setup: func(src *mocks.MockSource) {},
		},
		{
			name:  "source failure",
			input: rules.Input{Counterparty: "ACME"},
			setup: func(src *mocks.MockSource) {
				src.EXPECT().ListRules(gomock.Any(), userID).Return(nil, errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := mocks.NewMockSource(ctrl)
			tt.setup(src)

			got, ok, err := rules.NewEngine(src).Categorize(context.Background(), userID, tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.wantMatch, ok)
			if tt.wantMatch {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
