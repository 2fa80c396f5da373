package certificates

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certbind/internal/certstore"
	"github.com/wolfeidau/certbind/internal/config"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		want    Spec
		wantErr error
	}{
		{
			name:   "file with password",
			values: map[string]string{"C:Source": "File", "C:Path": "a.pfx", "C:Password": "pw"},
			want:   FileSpec{Path: "a.pfx", Password: "pw"},
		},
		{
			name:   "file without password",
			values: map[string]string{"C:Source": "FILE", "C:Path": "a.pfx"},
			want:   FileSpec{Path: "a.pfx"},
		},
		{
			name: "store defaults allow invalid to false",
			values: map[string]string{
				"C:Source": "store", "C:Subject": "CN=x", "C:StoreName": "My", "C:StoreLocation": "CurrentUser",
			},
			want: StoreSpec{Subject: "CN=x", StoreName: "My", StoreLocation: certstore.CurrentUser},
		},
		{
			name: "store allowing invalid",
			values: map[string]string{
				"C:Source": "Store", "C:Subject": "CN=x", "C:StoreName": "Root",
				"C:StoreLocation": "LocalMachine", "C:AllowInvalid": "true",
			},
			want: StoreSpec{Subject: "CN=x", StoreName: "Root", StoreLocation: certstore.LocalMachine, AllowInvalid: true},
		},
		{
			name:    "bad allow invalid",
			values:  map[string]string{"C:Source": "Store", "C:Subject": "CN=x", "C:StoreName": "My", "C:StoreLocation": "CurrentUser", "C:AllowInvalid": "sometimes"},
			wantErr: config.ErrInvalidValue,
		},
		{
			name:    "missing store name",
			values:  map[string]string{"C:Source": "Store", "C:Subject": "CN=x", "C:StoreLocation": "CurrentUser"},
			wantErr: config.ErrMissingKey,
		},
		{
			name:    "missing source",
			values:  map[string]string{"C:Path": "a.pfx"},
			wantErr: ErrInvalidConfiguration,
		},
		{
			name:    "source with surrounding text",
			values:  map[string]string{"C:Source": "Files", "C:Path": "a.pfx"},
			wantErr: ErrInvalidConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := config.Load(config.Map(tt.values))
			require.NoError(t, err)

			spec, err := ParseSpec(root.Section("C"))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.ErrorIs(t, err, ErrInvalidConfiguration)
				require.Nil(t, spec)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, spec)
		})
	}
}
