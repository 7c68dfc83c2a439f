package settlement

import (
	"strconv"
	"time"

	"wellswap/notify"
)

func assetEvent(eventType string, a *Asset, now time.Time) notify.Event {
	attrs := map[string]string{
		"assetId": a.ID,
		"owner":   a.Owner.Hex(),
		"status":  string(a.Status),
	}
	switch eventType {
	case notify.EventAssetEvaluated:
		attrs["aiValueCents"] = strconv.FormatInt(a.AIValueCents, 10)
		attrs["riskGrade"] = strconv.Itoa(int(a.RiskGrade))
		attrs["confidenceScore"] = strconv.Itoa(int(a.ConfidenceScore))
	case notify.EventAssetPriceConfirmed, notify.EventAssetListed:
		attrs["confirmedPriceCents"] = strconv.FormatInt(a.ConfirmedPriceCents, 10)
	}
	return notify.Event{Type: eventType, Attributes: attrs, CreatedAt: now.UTC()}
}

func tradeEvent(eventType string, t *Trade, now time.Time) notify.Event {
	attrs := map[string]string{
		"tradeId":    t.ID,
		"assetId":    t.AssetID,
		"seller":     t.Seller.Hex(),
		"buyer":      t.Buyer.Hex(),
		"status":     string(t.Status),
		"priceCents": strconv.FormatInt(t.PriceCents, 10),
		"signatures": strconv.Itoa(t.SignatureCount()),
	}
	if t.BuyerPaidNative != nil && t.BuyerPaidNative.Sign() > 0 {
		attrs["buyerPaidNative"] = t.BuyerPaidNative.String()
	}
	if t.DepositTx != "" {
		attrs["depositTx"] = t.DepositTx
	}
	if t.ReleaseTx != "" {
		attrs["releaseTx"] = t.ReleaseTx
	}
	if t.RefundTx != "" {
		attrs["refundTx"] = t.RefundTx
	}
	return notify.Event{Type: eventType, Attributes: attrs, CreatedAt: now.UTC()}
}

func refundEvent(assetID, txHash, amount string, now time.Time) notify.Event {
	return notify.Event{
		Type: notify.EventAssetRefunded,
		Attributes: map[string]string{
			"assetId":      assetID,
			"refundTx":     txHash,
			"amountNative": amount,
		},
		CreatedAt: now.UTC(),
	}
}
