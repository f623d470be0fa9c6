package result

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// OrderIDPrefix starts every order id the lab issues.
const OrderIDPrefix = "AEM"

// Catalog is the preset list of drugs the admin form offers for testing.
var Catalog = []string{
	"Артикаин Гидрохлорид 4%",
	"Артикаин 4%+эпинефрин 1:100 000",
	"Мепивастезин 3%",
	"Ораблок 1:100 000 / красный",
	"Ораблок 1:200 000 / синий",
	"Септанест с адреналином 1:100 000",
	"Септанест с адреналином 1:200 000",
	"Убистезин 4% форте",
	"Убистезин 4%",
	"Ультракаин / Артикаин",
	"Мепивакаин",
	"Лидокаин",
	"Новокаин",
	"Эпинефрин",
	"Цефалоспорин",
	"Амоксициллин",
	"Диклофенак",
	"Ибупрофен",
	"Азитромицин",
	"Кетопрофен",
	"Парацетамол",
}

// DefaultMedication returns the negative outcome the admin form starts each
// selected drug with.
func DefaultMedication(name string) Medication {
	return Medication{
		Name:   name,
		Result: DefaultOutcome,
		IgE:    DefaultIgE,
		Level:  DefaultLevel,
		Class:  DefaultClass,
	}
}

// CatalogMedications returns DefaultMedication for every catalog entry.
func CatalogMedications() []Medication {
	meds := make([]Medication, len(Catalog))
	for i, name := range Catalog {
		meds[i] = DefaultMedication(name)
	}
	return meds
}

// GenerateOrderID builds an order id from the last eight digits of the
// unix millisecond clock, e.g. AEM12345678.
func GenerateOrderID(now time.Time) string {
	return fmt.Sprintf("%s%08d", OrderIDPrefix, now.UnixMilli()%100_000_000)
}

// ResultLink is the public page URL encoded in the QR code printed on a result.
func ResultLink(siteURL, orderID string) string {
	return strings.TrimRight(siteURL, "/") + "/?orderId=" + url.QueryEscape(strings.TrimSpace(orderID))
}
