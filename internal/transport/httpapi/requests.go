package httpapi

import (
	"errors"

	"github.com/agsys/meshgate/internal/store"
)

var errNotFound = errors.New("httpapi: not found")

// settingsUpdateRequest mirrors store.SettingsUpdate with JSON tags; only
// fields present in the request body are applied.
type settingsUpdateRequest struct {
	MaxRadioContacts              *int    `json:"max_radio_contacts"`
	ExperimentalChannelDoubleSend *bool   `json:"experimental_channel_double_send"`
	AutoDecryptDMOnAdvert         *bool   `json:"auto_decrypt_dm_on_advert"`
	SidebarSortOrder              *string `json:"sidebar_sort_order"`
	AdvertInterval                *int64  `json:"advert_interval"`
}

func (r settingsUpdateRequest) toStoreUpdate() store.SettingsUpdate {
	return store.SettingsUpdate{
		MaxRadioContacts:              r.MaxRadioContacts,
		ExperimentalChannelDoubleSend: r.ExperimentalChannelDoubleSend,
		AutoDecryptDMOnAdvert:         r.AutoDecryptDMOnAdvert,
		SidebarSortOrder:              r.SidebarSortOrder,
		AdvertInterval:                r.AdvertInterval,
	}
}
