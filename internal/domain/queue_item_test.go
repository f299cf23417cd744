package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueItem(t *testing.T) {
	imageID := uuid.New()
	projectID := uuid.New()
	userID := uuid.New()

	item, err := NewQueueItem(imageID, projectID, userID, ModelHRNet, 0.5, 2, true, "upload-1")
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, item.ID)
	assert.Equal(t, imageID, item.ImageID)
	assert.Equal(t, projectID, item.ProjectID)
	assert.Equal(t, userID, item.UserID)
	assert.Equal(t, ItemStatusQueued, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, "upload-1", item.BatchTag)
	assert.Nil(t, item.BatchID)
	assert.Nil(t, item.StartedAt)
	assert.Nil(t, item.CompletedAt)
}

func TestNewQueueItemValidation(t *testing.T) {
	imageID := uuid.New()
	projectID := uuid.New()
	userID := uuid.New()

	tests := []struct {
		name      string
		imageID   uuid.UUID
		projectID uuid.UUID
		userID    uuid.UUID
		model     SegmentationModel
		threshold float64
		wantErr   error
	}{
		{
			name:      "empty image id",
			projectID: projectID,
			userID:    userID,
			model:     ModelHRNet,
			threshold: 0.5,
			wantErr:   ErrEmptyImageID,
		},
		{
			name:      "empty project id",
			imageID:   imageID,
			userID:    userID,
			model:     ModelHRNet,
			threshold: 0.5,
			wantErr:   ErrEmptyProjectID,
		},
		{
			name:      "empty user id",
			imageID:   imageID,
			projectID: projectID,
			model:     ModelHRNet,
			threshold: 0.5,
			wantErr:   ErrEmptyUserID,
		},
		{
			name:      "unsupported model",
			imageID:   imageID,
			projectID: projectID,
			userID:    userID,
			model:     "alexnet",
			threshold: 0.5,
			wantErr:   ErrUnsupportedModel,
		},
		{
			name:      "threshold too low",
			imageID:   imageID,
			projectID: projectID,
			userID:    userID,
			model:     ModelHRNet,
			threshold: 0.05,
			wantErr:   ErrInvalidThreshold,
		},
		{
			name:      "threshold too high",
			imageID:   imageID,
			projectID: projectID,
			userID:    userID,
			model:     ModelHRNet,
			threshold: 0.95,
			wantErr:   ErrInvalidThreshold,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewQueueItem(tc.imageID, tc.projectID, tc.userID,
				tc.model, tc.threshold, 0, true, "")
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestItemStatusTransitions(t *testing.T) {
	tests := []struct {
		from    ItemStatus
		to      ItemStatus
		allowed bool
	}{
		{ItemStatusQueued, ItemStatusProcessing, true},
		{ItemStatusQueued, ItemStatusCancelled, true},
		{ItemStatusQueued, ItemStatusCompleted, false},
		{ItemStatusProcessing, ItemStatusCompleted, true},
		{ItemStatusProcessing, ItemStatusFailed, true},
		{ItemStatusProcessing, ItemStatusQueued, true},
		{ItemStatusProcessing, ItemStatusCancelled, true},
		{ItemStatusFailed, ItemStatusQueued, true},
		{ItemStatusFailed, ItemStatusProcessing, false},
		{ItemStatusCompleted, ItemStatusQueued, false},
		{ItemStatusCancelled, ItemStatusProcessing, false},
		{ItemStatusCancelled, ItemStatusCompleted, false},
	}

	for _, tc := range tests {
		item := &QueueItem{Status: tc.from}
		assert.Equal(t, tc.allowed, item.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestItemStatusIsTerminal(t *testing.T) {
	assert.False(t, ItemStatusQueued.IsTerminal())
	assert.False(t, ItemStatusProcessing.IsTerminal())
	assert.True(t, ItemStatusCompleted.IsTerminal())
	assert.True(t, ItemStatusFailed.IsTerminal())
	assert.True(t, ItemStatusCancelled.IsTerminal())
}

func TestModelBatchLimits(t *testing.T) {
	assert.Equal(t, 8, ModelHRNet.BatchLimit())
	assert.Equal(t, 2, ModelResUNetAdvanced.BatchLimit())
	assert.Equal(t, 4, ModelResUNetSmall.BatchLimit())
}

func TestJobSubmissionValidate(t *testing.T) {
	valid := JobSubmission{
		ImageIDs:  []uuid.UUID{uuid.New()},
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
		Model:     ModelResUNetSmall,
		Threshold: 0.5,
	}
	assert.NoError(t, valid.Validate())

	empty := valid
	empty.ImageIDs = nil
	assert.ErrorIs(t, empty.Validate(), ErrNoImages)

	nilImage := valid
	nilImage.ImageIDs = []uuid.UUID{uuid.Nil}
	assert.ErrorIs(t, nilImage.Validate(), ErrEmptyImageID)

	badModel := valid
	badModel.Model = "vgg16"
	assert.ErrorIs(t, badModel.Validate(), ErrUnsupportedModel)
}
