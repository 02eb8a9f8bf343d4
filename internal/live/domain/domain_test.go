package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aussiebroadwan/tabline/internal/live/domain"
	"github.com/stretchr/testify/require"
)

func TestTimestampLayouts(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{`"2025-03-01T10:11:12Z"`, time.Date(2025, 3, 1, 10, 11, 12, 0, time.UTC)},
		{`"2025-03-01T20:11:12+10:00"`, time.Date(2025, 3, 1, 10, 11, 12, 0, time.UTC)},
		{`"2025-03-01T10:11:12.5"`, time.Date(2025, 3, 1, 10, 11, 12, 500_000_000, time.UTC)},
		{`"2025-03-01T10:11:12"`, time.Date(2025, 3, 1, 10, 11, 12, 0, time.UTC)},
		{`null`, time.Time{}},
		{`""`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var ts domain.Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			require.True(t, tt.want.Equal(ts.Time), "got %s", ts.Time)
		})
	}

	var ts domain.Timestamp
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestConversationUpdateDecodes(t *testing.T) {
	body := `{
		"conversationId": "c-1",
		"conversationType": "GROUP",
		"conversationName": "pub crawl",
		"lastMessage": {"id":"m-9","conversationId":"c-1","senderId":3,"senderName":"sam","type":"TEXT","previewText":"next round?","sentAt":"2025-03-01T10:11:12"},
		"unreadCount": 2,
		"updatedAt": "2025-03-01T10:11:12",
		"participants": [{"userId":3,"username":"sam","displayName":"Sam"}]
	}`

	var u domain.ConversationUpdate
	require.NoError(t, json.Unmarshal([]byte(body), &u))
	require.Equal(t, "c-1", u.ConversationID)
	require.Equal(t, domain.ConversationGroup, u.ConversationType)
	require.Equal(t, "next round?", u.LastMessage.PreviewText)
	require.Equal(t, 2, u.UnreadCount)
	require.Equal(t, "Sam", u.Participants[0].DisplayName)
}

func TestCredentialHelpers(t *testing.T) {
	require.True(t, domain.Credential{}.IsZero())
	require.Equal(t, "", domain.SubjectFromUserID(0))
	require.Equal(t, "12", domain.SubjectFromUserID(12))

	now := time.Now()
	require.False(t, domain.Credential{}.Expired(now))
	require.True(t, domain.Credential{ExpiresAt: now.Add(-time.Second)}.Expired(now))
	require.False(t, domain.Credential{ExpiresAt: now.Add(time.Minute)}.Expired(now))
}
