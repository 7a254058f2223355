package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/mmeshcher/checkout-service/internal/model"
)

var (
	orderCreatedTmpl = template.Must(template.New("order_created").Parse(
		`<h2>Your order has been created successfully.</h2>
<p>Order ID: {{.Code}}</p>
<table>
{{range .Lines}}<tr><td>#{{.ProductID}}{{if .Color}} ({{.Color}}){{end}}</td><td>{{.Quantity}} x {{.Rate.StringFixed 2}}</td><td>{{.NetTotal.StringFixed 2}}</td></tr>
{{end}}</table>
<p>Delivery: {{.DeliveryCharge.StringFixed 2}}, discount: {{.Discount.StringFixed 2}}, VAT: {{.VAT.StringFixed 2}}</p>
<p><b>Total: {{.FinalPrice.StringFixed 2}}</b></p>
<p>Estimated delivery date: {{.EstimatedDeliveryDate.Format "2006-01-02"}}</p>`))

	preOrderCreatedTmpl = template.Must(template.New("pre_order_created").Parse(
		`<h2>Your pre-order has been created successfully.</h2>
<p>Pre-order ID: {{.Code}}</p>
<p>Bundle #{{.BundleID}}: {{.Quantity}} x {{.Rate.StringFixed 2}}</p>
<p><b>Total: {{.FinalPrice.StringFixed 2}}</b></p>`))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func day(t time.Time) string {
	return t.Format(time.DateOnly)
}

// OrderCreatedEmail формирует письмо покупателю о созданном заказе.
func OrderCreatedEmail(o *model.Order, buyer model.User) (Email, error) {
	html, err := render(orderCreatedTmpl, o)
	if err != nil {
		return Email{}, err
	}
	return Email{
		Subject: "Your order has been created successfully.",
		Text:    "order ID: " + o.Code,
		HTML:    html,
		To:      []string{buyer.Email},
	}, nil
}

// OrderCreatedForBuyer формирует уведомление покупателю о созданном заказе.
func OrderCreatedForBuyer(o *model.Order) Notification {
	return Notification{
		UserID: o.UserID,
		Title:  o.Code + ": Order created",
		Body:   "Your order has been created and estimated delivery date is " + day(o.EstimatedDeliveryDate),
	}
}

// OrderCreatedForStaff формирует уведомление сотруднику о новом заказе.
func OrderCreatedForStaff(o *model.Order, buyer model.User, staff model.User) Notification {
	return Notification{
		UserID: staff.ID,
		Title:  o.Code + ": Order created",
		Body: fmt.Sprintf("Order has been created by %s and estimated delivery date is %s",
			buyer.Email, day(o.EstimatedDeliveryDate)),
	}
}

// PreOrderCreatedEmail формирует письмо покупателю о созданном предзаказе.
func PreOrderCreatedEmail(p *model.PreOrder, buyer model.User) (Email, error) {
	html, err := render(preOrderCreatedTmpl, p)
	if err != nil {
		return Email{}, err
	}
	return Email{
		Subject: "Your pre-order has been created successfully.",
		Text:    "pre-order ID: " + p.Code,
		HTML:    html,
		To:      []string{buyer.Email},
	}, nil
}

// PreOrderCreatedForBuyer формирует уведомление покупателю о созданном предзаказе.
func PreOrderCreatedForBuyer(p *model.PreOrder) Notification {
	return Notification{
		UserID: p.UserID,
		Title:  p.Code + ": Pre-order created",
		Body:   "Your pre-order has been created.",
	}
}

// PreOrderCreatedForStaff формирует уведомление сотруднику о новом предзаказе.
func PreOrderCreatedForStaff(p *model.PreOrder, buyer model.User, staff model.User) Notification {
	return Notification{
		UserID: staff.ID,
		Title:  p.Code + ": Pre-order created",
		Body:   "Pre-order has been created by " + buyer.Email + ".",
	}
}

// StatusChanged формирует уведомление покупателю о смене статуса заказа или предзаказа.
func StatusChanged(userID int64, code string, status model.DeliveryStatus) Notification {
	n := Notification{UserID: userID, Title: code + ": " + string(status)}
	switch status {
	case model.DeliveryCompleted:
		n.Body = "Your order " + code + " has been delivered."
	case model.DeliveryCancelled:
		n.Body = "Your order " + code + " has been cancelled."
	default:
		n.Body = "Your order " + code + " is " + string(status) + "."
	}
	return n
}
